package router

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/collabcode/internal/broadcast"
	"github.com/Tyrowin/collabcode/internal/persistence"
	"github.com/Tyrowin/collabcode/internal/protocol"
	"github.com/Tyrowin/collabcode/internal/room"
	"github.com/Tyrowin/collabcode/internal/session"
)

const template = "# template\n"

// fakeTransport decodes every delivered frame so tests can assert on
// envelopes per connection.
type fakeTransport struct {
	t      *testing.T
	frames map[string][]protocol.Outbound
	fail   map[string]bool
}

func (f *fakeTransport) Send(connID string, payload []byte) error {
	if f.fail[connID] {
		return broadcast.ErrSendBufferFull
	}
	var env protocol.Outbound
	require.NoError(f.t, json.Unmarshal(payload, &env))
	f.frames[connID] = append(f.frames[connID], env)
	return nil
}

type fakeStore struct {
	loads   []string
	saves   []persistence.Snapshot
	upserts [][2]string
	removes [][2]string
}

func (s *fakeStore) LoadSnapshot(room string) { s.loads = append(s.loads, room) }

func (s *fakeStore) SaveSnapshot(snap persistence.Snapshot) bool {
	s.saves = append(s.saves, snap)
	return true
}

func (s *fakeStore) UpsertParticipant(room, userID, _ string) bool {
	s.upserts = append(s.upserts, [2]string{room, userID})
	return true
}

func (s *fakeStore) RemoveParticipant(room, userID string) bool {
	s.removes = append(s.removes, [2]string{room, userID})
	return true
}

type harness struct {
	t        *testing.T
	router   *Router
	tx       *fakeTransport
	store    *fakeStore
	rooms    *room.Store
	sessions *session.Registry
	done     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tx := &fakeTransport{t: t, frames: make(map[string][]protocol.Outbound), fail: make(map[string]bool)}
	sessions := session.NewRegistry()
	rooms := room.NewStore(template)
	store := &fakeStore{}
	bus := broadcast.NewEngine(rooms, tx, nil)
	r := New(sessions, rooms, bus, store, "default", nil)
	r.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	return &harness{t: t, router: r, tx: tx, store: store, rooms: rooms, sessions: sessions}
}

func (h *harness) connect() string {
	return h.router.Connect("127.0.0.1:0")
}

func (h *harness) send(connID string, msg map[string]any) {
	h.t.Helper()
	frame, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.router.Handle(connID, frame)
}

// completeLoads answers every outstanding snapshot load with "no snapshot".
func (h *harness) completeLoads() {
	for ; h.done < len(h.store.loads); h.done++ {
		h.router.Complete(persistence.LoadResult{Room: h.store.loads[h.done]})
	}
}

func (h *harness) join(connID, code, name string) {
	h.t.Helper()
	h.send(connID, map[string]any{"action": "join_room", "room": code, "user_name": name})
	h.completeLoads()
}

// drain returns and clears everything delivered to connID.
func (h *harness) drain(connID string) []protocol.Outbound {
	out := h.tx.frames[connID]
	delete(h.tx.frames, connID)
	return out
}

func (h *harness) drainAll() {
	h.tx.frames = make(map[string][]protocol.Outbound)
}

func types(envs []protocol.Outbound) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func TestScenarioTwoClientsEditAndChat(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()

	h.join(a, "abc", "Alice")
	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeRoomState}, types(got))
	require.NotNil(t, got[0].Code)
	assert.Equal(t, template, *got[0].Code)
	assert.Equal(t, int64(1), got[0].Version)

	h.join(b, "abc", "Bob")
	gotA := h.drain(a)
	require.Equal(t, []string{protocol.TypeUserJoined}, types(gotA))
	assert.Equal(t, b, gotA[0].ConnectionID)
	assert.Equal(t, "Bob", gotA[0].UserName)
	assert.Len(t, gotA[0].Users, 2)
	assert.Equal(t, []string{protocol.TypeRoomState}, types(h.drain(b)))

	h.send(b, map[string]any{"action": "code_change", "code": "print(1)", "version": 1})
	_, version := h.rooms.Snapshot("abc")
	assert.Equal(t, int64(2), version)
	gotA = h.drain(a)
	require.Equal(t, []string{protocol.TypeCodeChange}, types(gotA))
	assert.Equal(t, int64(2), gotA[0].Version)
	require.NotNil(t, gotA[0].ClientVersion)
	assert.Equal(t, int64(1), *gotA[0].ClientVersion)
	assert.Equal(t, "print(1)", *gotA[0].Code)
	assert.Empty(t, h.drain(b), "the author does not receive its own edit")

	h.send(a, map[string]any{"action": "chat_message", "message": "hi"})
	for _, id := range []string{a, b} {
		got := h.drain(id)
		require.Equal(t, []string{protocol.TypeChatMessage}, types(got), "connection %s", id)
		assert.Equal(t, "Alice", got[0].UserName)
		assert.Equal(t, "hi", got[0].Message)
	}
}

func TestCodeChangeBeforeJoin(t *testing.T) {
	h := newHarness(t)
	a, other := h.connect(), h.connect()
	h.join(other, "abc", "Other")
	h.drainAll()

	h.send(a, map[string]any{"action": "code_change", "code": "x"})

	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeError}, types(got))
	assert.Equal(t, ErrMsgNotInRoom, got[0].Message)
	_, version := h.rooms.Snapshot("abc")
	assert.Equal(t, int64(1), version)
	assert.Empty(t, h.drain(other))
	assert.Empty(t, h.store.saves)
}

func TestVersionCountsAcceptedEdits(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	h.join(a, "abc", "Alice")
	h.join(b, "abc", "Bob")

	const n = 25
	for i := 0; i < n; i++ {
		author := a
		if i%2 == 1 {
			author = b
		}
		h.send(author, map[string]any{"action": "code_change", "code": "edit"})
		h.send(author, map[string]any{"action": "code_change"})
	}

	text, version := h.rooms.Snapshot("abc")
	assert.Equal(t, int64(1+n), version)
	assert.Equal(t, "edit", text)
	require.Len(t, h.store.saves, n)
	for i, snap := range h.store.saves {
		assert.Equal(t, int64(i+2), snap.Version, "saves follow arrival order")
	}
}

func TestJoinDoesNotAlterDocument(t *testing.T) {
	h := newHarness(t)
	a := h.connect()
	h.join(a, "abc", "Alice")
	h.send(a, map[string]any{"action": "code_change", "code": "kept"})

	for i := 0; i < 3; i++ {
		h.join(h.connect(), "abc", "Guest")
	}

	text, version := h.rooms.Snapshot("abc")
	assert.Equal(t, "kept", text)
	assert.Equal(t, int64(2), version)
}

func TestBroadcastAudience(t *testing.T) {
	h := newHarness(t)
	a, b, c := h.connect(), h.connect(), h.connect()
	for _, id := range []string{a, b, c} {
		h.join(id, "abc", "user")
	}
	h.drainAll()

	tests := []struct {
		name       string
		msg        map[string]any
		wantSender bool
	}{
		{"chat includes sender", map[string]any{"action": "chat_message", "message": "hey"}, true},
		{"code excludes sender", map[string]any{"action": "code_change", "code": "x"}, false},
		{"cursor excludes sender", map[string]any{"action": "cursor_change", "cursor": map[string]int{"line": 2}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(a, tt.msg)
			assert.Equal(t, tt.wantSender, len(h.drain(a)) == 1)
			assert.Len(t, h.drain(b), 1)
			assert.Len(t, h.drain(c), 1)
		})
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	h := newHarness(t)
	a, watcher := h.connect(), h.connect()
	h.join(watcher, "A", "Watcher")
	h.join(a, "A", "Alice")
	h.drainAll()

	h.join(a, "B", "Alice")

	assert.Equal(t, []string{watcher}, h.rooms.Members("A", ""))
	assert.Equal(t, []string{a}, h.rooms.Members("B", ""))
	sess, _ := h.sessions.Lookup(a)
	assert.Equal(t, "B", sess.RoomID)

	got := h.drain(watcher)
	require.Equal(t, []string{protocol.TypeUserLeft}, types(got))
	assert.Equal(t, a, got[0].ConnectionID)
}

func TestRejoinSameRoomIsLeaveThenJoin(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	h.join(a, "abc", "Alice")
	h.join(b, "abc", "Bob")
	h.drainAll()

	h.join(a, "abc", "Alice")

	assert.Equal(t, []string{protocol.TypeUserLeft, protocol.TypeUserJoined}, types(h.drain(b)))
	assert.Equal(t, []string{protocol.TypeRoomState}, types(h.drain(a)))
	assert.Len(t, h.rooms.Members("abc", ""), 2)
}

func TestLeaveThenRejoinKeepsState(t *testing.T) {
	h := newHarness(t)
	a := h.connect()
	h.join(a, "abc", "Alice")
	h.send(a, map[string]any{"action": "code_change", "code": "v2"})
	h.send(a, map[string]any{"action": "code_change", "code": "v3"})

	h.send(a, map[string]any{"action": "leave_room"})
	assert.Empty(t, h.rooms.Active())
	h.drainAll()

	h.join(a, "abc", "Alice")
	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeRoomState}, types(got))
	assert.Equal(t, "v3", *got[0].Code)
	assert.Equal(t, int64(3), got[0].Version)
	assert.Len(t, h.store.loads, 1, "an existing room is not reloaded")
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	h.join(a, "abc", "Alice")
	h.join(b, "abc", "Bob")
	h.drainAll()
	before := h.router.Stats()
	sessBefore, _ := h.sessions.Lookup(a)

	h.send(a, map[string]any{"action": "dance", "room": "xyz"})

	got := h.drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Equal(t, "unknown action: dance", got[0].Message)
	assert.Empty(t, h.drain(b))
	assert.Equal(t, before, h.router.Stats())
	sessAfter, _ := h.sessions.Lookup(a)
	assert.Equal(t, sessBefore, sessAfter)
	assert.False(t, h.rooms.Exists("xyz"))
}

func TestMalformedFrameKeepsSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect()
	h.join(a, "abc", "Alice")
	h.drainAll()

	h.router.Handle(a, []byte("{not json"))
	h.router.Handle(a, []byte(`{"room":"abc"}`))

	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeError, protocol.TypeError}, types(got))
	assert.Equal(t, ErrMsgInvalidFormat, got[0].Message)
	assert.Equal(t, ErrMsgMissingAction, got[1].Message)

	sess, ok := h.sessions.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "abc", sess.RoomID)
}

func TestRejectRepliesOnlyToSender(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	h.join(a, "abc", "Alice")
	h.join(b, "abc", "Bob")
	h.drainAll()

	h.router.Reject(a, "rate limit exceeded")

	got := h.drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Equal(t, "rate limit exceeded", got[0].Message)
	assert.Empty(t, h.drain(b))
	assert.Equal(t, 2, h.rooms.MemberCount("abc"))
}

func TestUnjoinedPreconditions(t *testing.T) {
	h := newHarness(t)
	a := h.connect()

	h.send(a, map[string]any{"action": "cursor_change", "cursor": map[string]int{"line": 1}})
	assert.Empty(t, h.drain(a), "cursor moves outside a room are ignored silently")

	h.send(a, map[string]any{"action": "chat_message", "message": "hello?"})
	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeError}, types(got))
	assert.Equal(t, ErrMsgNotInRoom, got[0].Message)

	h.send(a, map[string]any{"action": "leave_room"})
	assert.Empty(t, h.drain(a), "leaving without a room is a no-op")
	assert.Empty(t, h.store.removes)
}

func TestEmptyChatIgnored(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	h.join(a, "abc", "Alice")
	h.join(b, "abc", "Bob")
	h.drainAll()
	upserts := len(h.store.upserts)

	h.send(a, map[string]any{"action": "chat_message", "message": "   "})
	h.send(a, map[string]any{"action": "chat_message"})

	assert.Empty(t, h.drain(a))
	assert.Empty(t, h.drain(b))
	assert.Len(t, h.store.upserts, upserts)
}

func TestJoinValidationAndIdentity(t *testing.T) {
	h := newHarness(t)
	a := h.connect()

	h.send(a, map[string]any{"action": "join_room"})
	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeError}, types(got))
	assert.Equal(t, ErrMsgRoomRequired, got[0].Message)
	assert.Zero(t, h.rooms.Count())

	h.send(a, map[string]any{"action": "join_room", "room": "abc"})
	h.completeLoads()
	sess, _ := h.sessions.Lookup(a)
	assert.Regexp(t, `^anon-[0-9a-f]{8}$`, sess.UserID)
	assert.Equal(t, AnonymousName, sess.UserName)
	anonID := sess.UserID

	h.send(a, map[string]any{"action": "join_room", "room": "xyz", "user_name": "Alice"})
	h.completeLoads()
	sess, _ = h.sessions.Lookup(a)
	assert.Equal(t, anonID, sess.UserID, "the generated id sticks to the connection")
	assert.Equal(t, "Alice", sess.UserName)

	h.send(a, map[string]any{"action": "join_room", "room": "abc", "user_id": "u-42"})
	sess, _ = h.sessions.Lookup(a)
	assert.Equal(t, "u-42", sess.UserID)
	assert.Equal(t, "Alice", sess.UserName)
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	a := h.connect()

	h.send(a, map[string]any{"action": "ping", "timestamp": 1699999999000})

	got := h.drain(a)
	require.Equal(t, []string{protocol.TypePong}, types(got))
	assert.Equal(t, json.Number("1699999999000"), got[0].ClientTimestamp)
	assert.Equal(t, int64(1_700_000_000_000), got[0].Timestamp)
}

func TestRoomStatus(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()

	h.send(a, map[string]any{"action": "get_room_status"})
	got := h.drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, "default", got[0].Room)
	assert.False(t, *got[0].Exists)
	assert.False(t, h.rooms.Exists("default"), "status queries never create rooms")

	h.join(b, "abc", "Bob")
	h.send(b, map[string]any{"action": "code_change", "code": "x"})
	h.join(a, "abc", "Alice")
	h.drainAll()

	h.send(a, map[string]any{"action": "get_room_status"})
	got = h.drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Room)
	assert.True(t, *got[0].Exists)
	assert.Equal(t, 2, *got[0].UserCount)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, []string{"abc"}, got[0].ActiveRooms)

	h.send(a, map[string]any{"action": "get_room_status", "room": "elsewhere"})
	got = h.drain(a)
	assert.Equal(t, "elsewhere", got[0].Room)
	assert.False(t, *got[0].Exists)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()
	h.send(a, map[string]any{"action": "join_room", "room": "abc", "user_id": "u1", "user_name": "Alice"})
	h.completeLoads()
	h.join(b, "abc", "Bob")
	h.drainAll()

	h.router.Disconnect(a)

	got := h.drain(b)
	require.Equal(t, []string{protocol.TypeUserLeft}, types(got))
	assert.Equal(t, "Alice", got[0].UserName)
	assert.Equal(t, []string{b}, h.rooms.Members("abc", ""))
	_, ok := h.sessions.Lookup(a)
	assert.False(t, ok)
	assert.Contains(t, h.store.removes, [2]string{"abc", "u1"})
	assert.Equal(t, Stats{Connections: 1, ActiveRooms: 1, TotalRooms: 1}, h.router.Stats())
}

func TestPersistenceCalls(t *testing.T) {
	h := newHarness(t)
	a := h.connect()
	h.send(a, map[string]any{"action": "join_room", "room": "abc", "user_id": "u1", "user_name": "Alice"})
	h.completeLoads()

	h.send(a, map[string]any{"action": "code_change", "code": "print(1)"})
	h.send(a, map[string]any{"action": "chat_message", "message": "saved?"})
	h.send(a, map[string]any{"action": "leave_room"})

	assert.Equal(t, []string{"abc"}, h.store.loads)
	assert.Equal(t, []persistence.Snapshot{{Room: "abc", Text: "print(1)", Version: 2, UserID: "u1", UserName: "Alice"}}, h.store.saves)
	assert.Equal(t, [][2]string{{"abc", "u1"}, {"abc", "u1"}}, h.store.upserts)
	assert.Equal(t, [][2]string{{"abc", "u1"}}, h.store.removes)
}

func TestDeliveryFailureKeepsMembership(t *testing.T) {
	h := newHarness(t)
	a, b, c := h.connect(), h.connect(), h.connect()
	for _, id := range []string{a, b, c} {
		h.join(id, "abc", "user")
	}
	h.drainAll()
	h.tx.fail[b] = true

	h.send(a, map[string]any{"action": "code_change", "code": "x"})

	assert.Len(t, h.drain(c), 1)
	assert.ElementsMatch(t, []string{a, b, c}, h.rooms.Members("abc", ""))
	sess, _ := h.sessions.Lookup(b)
	assert.Equal(t, "abc", sess.RoomID)
}

func TestPendingLoadRestoresSnapshot(t *testing.T) {
	h := newHarness(t)
	a := h.connect()

	h.send(a, map[string]any{"action": "join_room", "room": "abc", "user_name": "Alice"})
	h.send(a, map[string]any{"action": "code_change", "code": "after restore"})
	h.send(a, map[string]any{"action": "ping"})

	assert.Empty(t, h.drain(a), "nothing is observable before the load completes")
	assert.True(t, h.rooms.Loading("abc"))

	h.router.Complete(persistence.LoadResult{
		Room:     "abc",
		Found:    true,
		Snapshot: persistence.Snapshot{Room: "abc", Text: "from storage", Version: 9},
	})

	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeRoomState, protocol.TypePong}, types(got))
	assert.Equal(t, "from storage", *got[0].Code)
	assert.Equal(t, int64(9), got[0].Version)

	text, version := h.rooms.Snapshot("abc")
	assert.Equal(t, "after restore", text)
	assert.Equal(t, int64(10), version)
}

func TestPendingLoadParksSecondJoiner(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()

	h.send(a, map[string]any{"action": "join_room", "room": "abc", "user_name": "Alice"})
	h.send(b, map[string]any{"action": "join_room", "room": "abc", "user_name": "Bob"})
	require.Equal(t, []string{"abc"}, h.store.loads, "one load per room")

	h.completeLoads()

	assert.Equal(t, []string{protocol.TypeRoomState, protocol.TypeUserJoined}, types(h.drain(a)))
	assert.Equal(t, []string{protocol.TypeRoomState}, types(h.drain(b)))
}

func TestRoomStatusWaitsForLoad(t *testing.T) {
	h := newHarness(t)
	a, c := h.connect(), h.connect()

	h.send(a, map[string]any{"action": "join_room", "room": "abc", "user_name": "Alice"})
	h.send(c, map[string]any{"action": "get_room_status", "room": "abc"})
	h.send(c, map[string]any{"action": "ping"})
	assert.Empty(t, h.drain(c), "status of a loading room is held back")

	h.router.Complete(persistence.LoadResult{
		Room:     "abc",
		Found:    true,
		Snapshot: persistence.Snapshot{Room: "abc", Text: "from storage", Version: 9},
	})

	got := h.drain(c)
	require.Equal(t, []string{protocol.TypeRoomStatus, protocol.TypePong}, types(got))
	require.NotNil(t, got[0].Exists)
	assert.True(t, *got[0].Exists)
	assert.Equal(t, int64(9), got[0].Version)

	h.send(c, map[string]any{"action": "get_room_status", "room": "abc"})
	got = h.drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].Version)
}

func TestPendingLoadFailureUsesTemplate(t *testing.T) {
	h := newHarness(t)
	a := h.connect()

	h.send(a, map[string]any{"action": "join_room", "room": "abc"})
	h.router.Complete(persistence.LoadResult{Room: "abc", Err: errors.New("db unavailable")})

	got := h.drain(a)
	require.Equal(t, []string{protocol.TypeRoomState}, types(got))
	assert.Equal(t, template, *got[0].Code)
	assert.Equal(t, int64(1), got[0].Version)
}

func TestDisconnectWhileLoading(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(), h.connect()

	h.send(a, map[string]any{"action": "join_room", "room": "abc"})
	h.send(a, map[string]any{"action": "code_change", "code": "lost"})
	h.send(b, map[string]any{"action": "join_room", "room": "abc", "user_name": "Bob"})
	h.router.Disconnect(a)

	h.completeLoads()

	assert.Empty(t, h.drain(a))
	assert.Equal(t, []string{b}, h.rooms.Members("abc", ""))
	_, version := h.rooms.Snapshot("abc")
	assert.Equal(t, int64(1), version)
	assert.Equal(t, []string{protocol.TypeRoomState}, types(h.drain(b)))
}

func TestStale(t *testing.T) {
	h := newHarness(t)
	h.router.now = time.Now

	quiet := h.connect()
	assert.Empty(t, h.router.Stale(time.Minute))
	assert.Equal(t, []string{quiet}, h.router.Stale(-time.Second))

	h.router.Touch(quiet)
	assert.Empty(t, h.router.Stale(time.Minute))
}
