package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/collabcode/internal/config"
	"github.com/Tyrowin/collabcode/internal/persistence"
	"github.com/Tyrowin/collabcode/internal/protocol"
)

const (
	testOrigin   = "http://localhost:8080"
	testTemplate = "# test document\n"
	readTimeout  = 2 * time.Second
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store *persistence.Memory
	wsURL string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEnv starts a Server on an httptest listener backed by the in-memory
// gateway. mutate may adjust the configuration before anything is built.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{testOrigin}
	cfg.Room.DefaultDocument = testTemplate
	if mutate != nil {
		mutate(cfg)
	}

	store := persistence.NewMemory()
	dispatcher := persistence.NewDispatcher(store, cfg.Persistence, quietLogger())
	dispatcher.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, dispatcher.Stop(ctx))
	})

	srv := New(cfg, dispatcher, quietLogger())
	srv.Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testEnv{
		srv:   srv,
		ts:    ts,
		store: store,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// testClient reads frames in the background so control frames (pings) are
// answered while the test is busy elsewhere.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan protocol.Outbound
	closed chan struct{}
	id     string
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()

	header := http.Header{}
	header.Set("Origin", testOrigin)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan protocol.Outbound, 256),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })

	welcome := c.next()
	require.Equal(t, protocol.TypeSystem, welcome.Type)
	require.Equal(t, protocol.ActionWelcome, welcome.Action)
	require.NotEmpty(t, welcome.ConnectionID)
	c.id = welcome.ConnectionID
	return c
}

func (c *testClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Outbound
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		c.frames <- env
	}
}

func (c *testClient) send(msg map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testClient) next() protocol.Outbound {
	c.t.Helper()
	select {
	case env := <-c.frames:
		return env
	case <-c.closed:
		c.t.Fatal("connection closed while waiting for a frame")
	case <-time.After(readTimeout):
		c.t.Fatal("timed out waiting for a frame")
	}
	return protocol.Outbound{}
}

// expect reads the next frame and checks its type.
func (c *testClient) expect(typ string) protocol.Outbound {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, typ, env.Type, "message: %q", env.Message)
	return env
}

// quiet asserts nothing arrives for a short while.
func (c *testClient) quiet() {
	c.t.Helper()
	select {
	case env := <-c.frames:
		c.t.Fatalf("unexpected %s frame", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *testClient) waitClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(readTimeout):
		c.t.Fatal("connection was not closed")
	}
}

func (c *testClient) join(room, name string) protocol.Outbound {
	c.t.Helper()
	c.send(map[string]any{"action": protocol.ActionJoinRoom, "room": room, "user_name": name})
	return c.expect(protocol.TypeRoomState)
}
