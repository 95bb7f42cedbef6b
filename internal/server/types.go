package server

import "strings"

// statsResponse is the body served by GET /stats.
type statsResponse struct {
	Connections int              `json:"connections"`
	ActiveRooms int              `json:"active_rooms"`
	TotalRooms  int              `json:"total_rooms"`
	Persistence persistenceStats `json:"persistence"`
}

type persistenceStats struct {
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
