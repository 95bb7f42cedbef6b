// Package protocol defines the JSON envelopes exchanged over a collaboration
// connection. Each transport frame carries exactly one envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound actions.
const (
	ActionJoinRoom      = "join_room"
	ActionLeaveRoom     = "leave_room"
	ActionCodeChange    = "code_change"
	ActionCursorChange  = "cursor_change"
	ActionChatMessage   = "chat_message"
	ActionPing          = "ping"
	ActionGetRoomStatus = "get_room_status"
)

// Outbound types.
const (
	TypeSystem       = "system"
	TypeRoomState    = "room_state"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeCodeChange   = "code_change"
	TypeCursorChange = "cursor_change"
	TypeChatMessage  = "chat_message"
	TypePong         = "pong"
	TypeRoomStatus   = "room_status"
	TypeError        = "error"
)

// ActionWelcome tags the system envelope sent when a connection opens.
const ActionWelcome = "welcome"

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingAction is returned for objects without an action tag.
	ErrMissingAction = errors.New("missing action")
)

// Inbound is a decoded client envelope. Fields not used by the action are
// left at their zero value.
type Inbound struct {
	Action    string          `json:"action"`
	Room      string          `json:"room,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	UserName  string          `json:"user_name,omitempty"`
	Code      *string         `json:"code,omitempty"`
	Version   *int64          `json:"version,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp json.Number     `json:"timestamp,omitempty"`
}

// Decode parses one frame.
func Decode(frame []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Action == "" {
		return Inbound{}, ErrMissingAction
	}
	return in, nil
}

// Participant identifies one member of a room.
type Participant struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
}

// Outbound is a server envelope. Constructors below fill only the fields
// that belong to each type; the rest are omitted on the wire.
type Outbound struct {
	Type            string          `json:"type"`
	Action          string          `json:"action,omitempty"`
	ConnectionID    string          `json:"connection_id,omitempty"`
	Room            string          `json:"room,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	UserName        string          `json:"user_name,omitempty"`
	Code            *string         `json:"code,omitempty"`
	Version         int64           `json:"version,omitempty"`
	ClientVersion   *int64          `json:"client_version,omitempty"`
	Cursor          json.RawMessage `json:"cursor,omitempty"`
	Message         string          `json:"message,omitempty"`
	Users           []Participant   `json:"users,omitempty"`
	Exists          *bool           `json:"exists,omitempty"`
	UserCount       *int            `json:"user_count,omitempty"`
	ActiveRooms     []string        `json:"active_rooms,omitempty"`
	ClientTimestamp json.Number     `json:"client_timestamp,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// Encode serializes an envelope for a single frame.
func Encode(env Outbound) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Welcome greets a freshly opened connection with its id.
func Welcome(connID string, now time.Time) Outbound {
	return Outbound{
		Type:         TypeSystem,
		Action:       ActionWelcome,
		ConnectionID: connID,
		Message:      "connected",
		Timestamp:    millis(now),
	}
}

// RoomState seeds a joiner with the room's document, version and members.
func RoomState(room, code string, version int64, users []Participant, now time.Time) Outbound {
	return Outbound{
		Type:      TypeRoomState,
		Room:      room,
		Code:      &code,
		Version:   version,
		Users:     users,
		Timestamp: millis(now),
	}
}

// UserJoined announces a joiner to the rest of the room.
func UserJoined(room string, joiner Participant, users []Participant, now time.Time) Outbound {
	return Outbound{
		Type:         TypeUserJoined,
		Room:         room,
		ConnectionID: joiner.ConnectionID,
		UserID:       joiner.UserID,
		UserName:     joiner.UserName,
		Users:        users,
		Timestamp:    millis(now),
	}
}

// UserLeft announces a departure to the rest of the room.
func UserLeft(room string, leaver Participant, now time.Time) Outbound {
	return Outbound{
		Type:         TypeUserLeft,
		Room:         room,
		ConnectionID: leaver.ConnectionID,
		UserID:       leaver.UserID,
		UserName:     leaver.UserName,
		Timestamp:    millis(now),
	}
}

// CodeChange carries a new document revision and the client version it was
// based on.
func CodeChange(room string, author Participant, code string, version int64, clientVersion *int64, now time.Time) Outbound {
	return Outbound{
		Type:          TypeCodeChange,
		Room:          room,
		ConnectionID:  author.ConnectionID,
		UserID:        author.UserID,
		UserName:      author.UserName,
		Code:          &code,
		Version:       version,
		ClientVersion: clientVersion,
		Timestamp:     millis(now),
	}
}

// CursorChange relays an opaque cursor payload.
func CursorChange(room string, author Participant, cursor json.RawMessage, now time.Time) Outbound {
	return Outbound{
		Type:         TypeCursorChange,
		Room:         room,
		ConnectionID: author.ConnectionID,
		UserID:       author.UserID,
		UserName:     author.UserName,
		Cursor:       cursor,
		Timestamp:    millis(now),
	}
}

// ChatMessage relays a chat line to the whole room.
func ChatMessage(room string, author Participant, message string, now time.Time) Outbound {
	return Outbound{
		Type:         TypeChatMessage,
		Room:         room,
		ConnectionID: author.ConnectionID,
		UserID:       author.UserID,
		UserName:     author.UserName,
		Message:      message,
		Timestamp:    millis(now),
	}
}

// Pong answers a ping, echoing the client's clock.
func Pong(clientTimestamp json.Number, now time.Time) Outbound {
	return Outbound{
		Type:            TypePong,
		ClientTimestamp: clientTimestamp,
		Timestamp:       millis(now),
	}
}

// RoomStatus reports a read-only view of a room and of all active rooms.
func RoomStatus(room string, exists bool, userCount int, version int64, activeRooms []string, now time.Time) Outbound {
	return Outbound{
		Type:        TypeRoomStatus,
		Room:        room,
		Exists:      &exists,
		UserCount:   &userCount,
		Version:     version,
		ActiveRooms: activeRooms,
		Timestamp:   millis(now),
	}
}

// Error reports a recoverable protocol or precondition failure to the sender.
func Error(message string, now time.Time) Outbound {
	return Outbound{
		Type:      TypeError,
		Message:   message,
		Timestamp: millis(now),
	}
}
