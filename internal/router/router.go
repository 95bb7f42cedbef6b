// Package router implements the per-connection protocol state machine. It
// decodes inbound envelopes, applies them to the session registry and room
// store, fans out the results and hands durable work to the persistence
// dispatcher.
//
// A Router is driven by exactly one goroutine (the hub loop). None of its
// methods may be called concurrently.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/collabcode/internal/broadcast"
	"github.com/Tyrowin/collabcode/internal/persistence"
	"github.com/Tyrowin/collabcode/internal/protocol"
	"github.com/Tyrowin/collabcode/internal/room"
	"github.com/Tyrowin/collabcode/internal/session"
)

// Error messages sent to clients.
const (
	ErrMsgInvalidFormat = "invalid message format"
	ErrMsgMissingAction = "action is required"
	ErrMsgRoomRequired  = "room is required"
	ErrMsgCodeRequired  = "code is required"
	ErrMsgNotInRoom     = "not in a room"
	ErrMsgUnknownAction = "unknown action: %s"
)

// AnonymousName is used when a joiner supplies no display name.
const AnonymousName = "Anonymous"

// Persistence accepts durable work without blocking. LoadSnapshot results
// come back through Complete.
type Persistence interface {
	LoadSnapshot(room string)
	SaveSnapshot(snap persistence.Snapshot) bool
	UpsertParticipant(room, userID, userName string) bool
	RemoveParticipant(room, userID string) bool
}

// Stats is a point-in-time view of router state.
type Stats struct {
	Connections int
	ActiveRooms int
	TotalRooms  int
}

// parked is either a decoded request (in) or a raw frame awaiting decode.
type parked struct {
	connID string
	in     *protocol.Inbound
	frame  []byte
}

// Router dispatches connection events.
type Router struct {
	sessions    *session.Registry
	rooms       *room.Store
	bus         *broadcast.Engine
	store       Persistence
	defaultRoom string
	logger      *slog.Logger
	now         func() time.Time

	// Frames held back while a room's snapshot is loading, in arrival order.
	pending map[string][]parked
	// Connection id to the loading room its frames are parked on.
	awaiting map[string]string
}

// New wires a Router. Rooms created by a join trigger store.LoadSnapshot;
// the caller must feed the results back through Complete.
func New(
	sessions *session.Registry,
	rooms *room.Store,
	bus *broadcast.Engine,
	store Persistence,
	defaultRoom string,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions:    sessions,
		rooms:       rooms,
		bus:         bus,
		store:       store,
		defaultRoom: defaultRoom,
		logger:      logger,
		now:         time.Now,
		pending:     make(map[string][]parked),
		awaiting:    make(map[string]string),
	}
}

// Connect registers a new connection and returns its id.
func (r *Router) Connect(remoteAddr string) string {
	return r.sessions.Register(remoteAddr)
}

// Welcome greets connID with its id.
func (r *Router) Welcome(connID string) {
	r.reply(connID, protocol.Welcome(connID, r.now()))
}

// Touch records a transport-level heartbeat.
func (r *Router) Touch(connID string) {
	r.sessions.Touch(connID)
}

// Reject answers connID with an error envelope for a frame the transport
// refused before decoding. Session and room state are untouched.
func (r *Router) Reject(connID, msg string) {
	r.replyError(connID, msg)
}

// Handle processes one inbound frame from connID.
func (r *Router) Handle(connID string, frame []byte) {
	if code, ok := r.awaiting[connID]; ok {
		r.pending[code] = append(r.pending[code], parked{connID: connID, frame: frame})
		return
	}

	in, err := protocol.Decode(frame)
	if err != nil {
		r.logger.Debug("rejected inbound frame", "connection_id", connID, "error", err)
		msg := ErrMsgInvalidFormat
		if errors.Is(err, protocol.ErrMissingAction) {
			msg = ErrMsgMissingAction
		}
		r.replyError(connID, msg)
		return
	}
	r.dispatch(connID, in)
}

func (r *Router) dispatch(connID string, in protocol.Inbound) {
	switch in.Action {
	case protocol.ActionJoinRoom:
		r.joinRoom(connID, in)
	case protocol.ActionLeaveRoom:
		r.leaveRoom(connID)
	case protocol.ActionCodeChange:
		r.codeChange(connID, in)
	case protocol.ActionCursorChange:
		r.cursorChange(connID, in)
	case protocol.ActionChatMessage:
		r.chatMessage(connID, in)
	case protocol.ActionPing:
		r.ping(connID, in)
	case protocol.ActionGetRoomStatus:
		r.roomStatus(connID, in)
	default:
		r.logger.Debug("unknown action", "connection_id", connID, "action", in.Action)
		r.replyError(connID, fmt.Sprintf(ErrMsgUnknownAction, in.Action))
	}
}

func (r *Router) joinRoom(connID string, in protocol.Inbound) {
	if in.Room == "" {
		r.replyError(connID, ErrMsgRoomRequired)
		return
	}
	if _, ok := r.sessions.Lookup(connID); !ok {
		return
	}

	r.leaveRoom(connID)

	if r.rooms.Ensure(in.Room) {
		r.logger.Info("room created", "room", in.Room)
		r.store.LoadSnapshot(in.Room)
	}
	if r.rooms.Loading(in.Room) {
		r.park(connID, in.Room, in)
		return
	}
	r.completeJoin(connID, in)
}

func (r *Router) completeJoin(connID string, in protocol.Inbound) {
	sess, ok := r.sessions.Lookup(connID)
	if !ok {
		return
	}
	code := in.Room

	userID := in.UserID
	if userID == "" {
		userID = sess.UserID
	}
	if userID == "" {
		userID = "anon-" + uuid.NewString()[:8]
	}
	userName := in.UserName
	if userName == "" {
		userName = sess.UserName
	}
	if userName == "" {
		userName = AnonymousName
	}

	r.rooms.Join(code, connID)
	r.sessions.Update(connID, session.Patch{
		UserID:   &userID,
		UserName: &userName,
		RoomID:   &code,
	})

	now := r.now()
	users := r.participants(code)
	text, version := r.rooms.Snapshot(code)
	r.reply(connID, protocol.RoomState(code, text, version, users, now))

	me := protocol.Participant{ConnectionID: connID, UserID: userID, UserName: userName}
	r.bus.Broadcast(code, protocol.UserJoined(code, me, users, now), connID)
	r.store.UpsertParticipant(code, userID, userName)

	r.logger.Info("user joined room",
		"room", code,
		"connection_id", connID,
		"user_id", userID,
		"members", len(users))
}

// leaveRoom is a no-op for a connection that is not in a room.
func (r *Router) leaveRoom(connID string) {
	sess, ok := r.sessions.Lookup(connID)
	if !ok || !sess.Joined() {
		return
	}
	code := sess.RoomID

	r.rooms.Leave(code, connID)
	r.sessions.Update(connID, session.Patch{RoomID: session.Strp("")})

	r.bus.Broadcast(code, protocol.UserLeft(code, participant(sess), r.now()), connID)
	r.store.RemoveParticipant(code, sess.UserID)

	r.logger.Info("user left room",
		"room", code,
		"connection_id", connID,
		"user_id", sess.UserID,
		"members", r.rooms.MemberCount(code))
}

func (r *Router) codeChange(connID string, in protocol.Inbound) {
	sess, ok := r.joined(connID)
	if !ok {
		r.replyError(connID, ErrMsgNotInRoom)
		return
	}
	if in.Code == nil {
		r.replyError(connID, ErrMsgCodeRequired)
		return
	}
	code := sess.RoomID

	version := r.rooms.ApplyEdit(code, *in.Code)
	r.bus.Broadcast(code, protocol.CodeChange(code, participant(sess), *in.Code, version, in.Version, r.now()), connID)
	r.store.SaveSnapshot(persistence.Snapshot{
		Room:     code,
		Text:     *in.Code,
		Version:  version,
		UserID:   sess.UserID,
		UserName: sess.UserName,
	})
}

func (r *Router) cursorChange(connID string, in protocol.Inbound) {
	sess, ok := r.joined(connID)
	if !ok {
		return
	}
	r.bus.Broadcast(sess.RoomID, protocol.CursorChange(sess.RoomID, participant(sess), in.Cursor, r.now()), connID)
}

func (r *Router) chatMessage(connID string, in protocol.Inbound) {
	sess, ok := r.joined(connID)
	if !ok {
		r.replyError(connID, ErrMsgNotInRoom)
		return
	}
	if strings.TrimSpace(in.Message) == "" {
		return
	}

	r.bus.Broadcast(sess.RoomID, protocol.ChatMessage(sess.RoomID, participant(sess), in.Message, r.now()), "")
	r.store.UpsertParticipant(sess.RoomID, sess.UserID, sess.UserName)
}

func (r *Router) ping(connID string, in protocol.Inbound) {
	r.sessions.Touch(connID)
	r.reply(connID, protocol.Pong(in.Timestamp, r.now()))
}

func (r *Router) roomStatus(connID string, in protocol.Inbound) {
	code := in.Room
	if code == "" {
		if sess, ok := r.joined(connID); ok {
			code = sess.RoomID
		} else {
			code = r.defaultRoom
		}
	}

	// A loading room has not taken its stored version yet.
	if r.rooms.Loading(code) {
		r.park(connID, code, in)
		return
	}

	info, exists := r.rooms.Info(code)
	r.reply(connID, protocol.RoomStatus(code, exists, info.Members, info.Version, r.rooms.Active(), r.now()))
}

// park holds in until code finishes loading. Later frames from connID queue
// behind it so its replies keep arrival order.
func (r *Router) park(connID, code string, in protocol.Inbound) {
	r.awaiting[connID] = code
	r.pending[code] = append(r.pending[code], parked{connID: connID, in: &in})
}

// Disconnect runs the close path for connID: parked frames are discarded,
// room membership is released with a user_left broadcast, and the session
// is removed.
func (r *Router) Disconnect(connID string) {
	if code, ok := r.awaiting[connID]; ok {
		delete(r.awaiting, connID)
		kept := r.pending[code][:0]
		for _, p := range r.pending[code] {
			if p.connID != connID {
				kept = append(kept, p)
			}
		}
		r.pending[code] = kept
	}

	r.leaveRoom(connID)
	r.sessions.Unregister(connID)
}

// Complete applies a snapshot load to its room, opens the room and replays
// every frame parked on it in arrival order.
func (r *Router) Complete(res persistence.LoadResult) {
	code := res.Room
	if !r.rooms.Exists(code) {
		r.logger.Warn("snapshot load for unknown room", "room", code)
		return
	}

	switch {
	case res.Err != nil:
		r.logger.Error("snapshot load failed, starting from template", "room", code, "error", res.Err)
	case res.Found:
		if r.rooms.Restore(code, res.Snapshot.Text, res.Snapshot.Version) {
			r.logger.Info("room restored from snapshot", "room", code, "version", res.Snapshot.Version)
		}
	}
	r.rooms.MarkReady(code)

	queue := r.pending[code]
	delete(r.pending, code)
	for id, waitingOn := range r.awaiting {
		if waitingOn == code {
			delete(r.awaiting, id)
		}
	}

	for _, p := range queue {
		if p.in != nil {
			r.dispatch(p.connID, *p.in)
			continue
		}
		r.Handle(p.connID, p.frame)
	}
}

// Stale returns connections whose last heartbeat is older than maxAge.
func (r *Router) Stale(maxAge time.Duration) []string {
	return r.sessions.Stale(r.now().Add(-maxAge))
}

// Stats reports current counts.
func (r *Router) Stats() Stats {
	return Stats{
		Connections: r.sessions.Count(),
		ActiveRooms: r.rooms.ActiveCount(),
		TotalRooms:  r.rooms.Count(),
	}
}

func (r *Router) joined(connID string) (session.Session, bool) {
	sess, ok := r.sessions.Lookup(connID)
	if !ok || !sess.Joined() {
		return session.Session{}, false
	}
	return sess, true
}

func (r *Router) participants(code string) []protocol.Participant {
	ids := r.rooms.Members(code, "")
	users := make([]protocol.Participant, 0, len(ids))
	for _, id := range ids {
		if sess, ok := r.sessions.Lookup(id); ok {
			users = append(users, participant(sess))
		}
	}
	return users
}

func participant(s session.Session) protocol.Participant {
	return protocol.Participant{ConnectionID: s.ID, UserID: s.UserID, UserName: s.UserName}
}

func (r *Router) reply(connID string, env protocol.Outbound) {
	if err := r.bus.SendTo(connID, env); err != nil {
		r.logger.Warn("reply delivery failed", "connection_id", connID, "type", env.Type, "error", err)
	}
}

func (r *Router) replyError(connID, msg string) {
	r.reply(connID, protocol.Error(msg, r.now()))
}
