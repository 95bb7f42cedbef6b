// Package broadcast fans one envelope out to the members of a room.
package broadcast

import (
	"errors"
	"log/slog"

	"github.com/Tyrowin/collabcode/internal/protocol"
)

var (
	// ErrUnknownConnection is returned by a Sender for ids it does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSendBufferFull is returned by a Sender when the peer's outbound
	// queue cannot take another frame.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Sender hands one encoded frame to a connection's transport. Send must not
// block on network I/O.
type Sender interface {
	Send(connID string, payload []byte) error
}

// MemberLister resolves the current members of a room.
type MemberLister interface {
	Members(room, exclude string) []string
}

// Engine delivers envelopes to room members.
type Engine struct {
	members MemberLister
	sender  Sender
	logger  *slog.Logger
}

// NewEngine returns an Engine that resolves members from members and delivers
// through sender.
func NewEngine(members MemberLister, sender Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{members: members, sender: sender, logger: logger}
}

// Broadcast sends env to every member of room except exclude (when
// non-empty) and returns how many deliveries were accepted. A failed
// delivery is logged and skipped; membership is left unchanged.
func (e *Engine) Broadcast(room string, env protocol.Outbound, exclude string) int {
	targets := e.members.Members(room, exclude)
	if len(targets) == 0 {
		return 0
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		e.logger.Error("broadcast encode failed", "room", room, "type", env.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, id := range targets {
		if err := e.sender.Send(id, payload); err != nil {
			e.logger.Warn("broadcast delivery failed",
				"room", room,
				"type", env.Type,
				"connection_id", id,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers env to a single connection.
func (e *Engine) SendTo(connID string, env protocol.Outbound) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return e.sender.Send(connID, payload)
}
