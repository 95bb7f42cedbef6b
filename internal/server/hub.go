package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/collabcode/internal/broadcast"
	"github.com/Tyrowin/collabcode/internal/persistence"
	"github.com/Tyrowin/collabcode/internal/router"
)

// inboundFrame is one event read off a client socket. A non-empty reject
// means the transport refused the frame and only an error reply is due.
type inboundFrame struct {
	client  *Client
	payload []byte
	reject  string
}

// Hub is the single worker. Its Run loop owns the client table and drives
// the router; every registry, room and routing mutation happens on that
// goroutine, one event at a time.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	heartbeats chan string
	loads      <-chan persistence.LoadResult

	router        *router.Router
	staleAfter    time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connections atomic.Int64
	activeRooms atomic.Int64
	totalRooms  atomic.Int64
}

// NewHub creates a Hub that consumes snapshot loads from loads. The router
// must be attached with attach before Run.
func NewHub(loads <-chan persistence.LoadResult, staleAfter, sweepInterval time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:       make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundFrame),
		heartbeats:    make(chan string),
		loads:         loads,
		staleAfter:    staleAfter,
		sweepInterval: sweepInterval,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

func (h *Hub) attach(r *router.Router) {
	h.router = r
}

// Send queues payload on a client's outbound buffer. It never blocks; a full
// buffer is reported as broadcast.ErrSendBufferFull. Only the Run loop may
// call it.
func (h *Hub) Send(connID string, payload []byte) error {
	c, ok := h.clients[connID]
	if !ok {
		return broadcast.ErrUnknownConnection
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return broadcast.ErrSendBufferFull
	}
}

// Register hands a freshly upgraded client to the loop. It returns false
// once the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) receive(c *Client, payload []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: c, payload: payload}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) reject(c *Client, msg string) bool {
	select {
	case h.inbound <- inboundFrame{client: c, reject: msg}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) heartbeat(c *Client) {
	select {
	case h.heartbeats <- c.id:
	case <-h.ctx.Done():
	}
}

// Run processes connection events until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	var sweep <-chan time.Time
	if h.staleAfter > 0 {
		ticker := time.NewTicker(h.sweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.safely("shutdown", h.shutdownClients)
			return

		case c := <-h.register:
			h.safely("register", func() { h.add(c) })

		case c := <-h.unregister:
			h.safely("unregister", func() { h.remove(c) })

		case frame := <-h.inbound:
			h.safely("message", func() { h.handle(frame) })

		case id := <-h.heartbeats:
			h.safely("heartbeat", func() { h.router.Touch(id) })

		case res := <-h.loads:
			h.safely("snapshot load", func() { h.router.Complete(res) })

		case <-sweep:
			h.safely("sweep", h.evictStale)
		}
		h.publishStats()
	}
}

// safely runs one event handler, recovering any panic so a single bad event
// never takes the worker down.
func (h *Hub) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in hub loop", "event", event, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (h *Hub) add(c *Client) {
	if c == nil {
		h.logger.Warn("received nil client registration; skipping")
		return
	}

	c.id = h.router.Connect(c.addr)
	h.clients[c.id] = c
	h.logger.Info("client registered", "connection_id", c.id, "remote_addr", c.addr, "clients", len(h.clients))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()

	h.router.Welcome(c.id)
}

// remove runs the close path for c if it is still the registered client for
// its id. It reports whether anything was removed.
func (h *Hub) remove(c *Client) bool {
	current, ok := h.clients[c.id]
	if !ok || current != c {
		return false
	}
	delete(h.clients, c.id)
	close(c.send)
	h.router.Disconnect(c.id)
	h.logger.Info("client unregistered", "connection_id", c.id, "remote_addr", c.addr, "clients", len(h.clients))
	return true
}

func (h *Hub) handle(frame inboundFrame) {
	c := frame.client
	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}
	if frame.reject != "" {
		h.router.Reject(c.id, frame.reject)
		return
	}
	h.router.Handle(c.id, frame.payload)
}

func (h *Hub) evictStale() {
	for _, id := range h.router.Stale(h.staleAfter) {
		c, ok := h.clients[id]
		if !ok {
			h.router.Disconnect(id)
			continue
		}
		h.logger.Info("evicting stale connection", "connection_id", id, "remote_addr", c.addr)
		h.remove(c)
		c.closeConnection()
	}
}

func (h *Hub) publishStats() {
	if h.router == nil {
		return
	}
	st := h.router.Stats()
	h.connections.Store(int64(st.Connections))
	h.activeRooms.Store(int64(st.ActiveRooms))
	h.totalRooms.Store(int64(st.TotalRooms))
}

// Stats returns the counts published after the most recent event. Safe for
// concurrent use.
func (h *Hub) Stats() router.Stats {
	return router.Stats{
		Connections: int(h.connections.Load()),
		ActiveRooms: int(h.activeRooms.Load()),
		TotalRooms:  int(h.totalRooms.Load()),
	}
}

// shutdownClients runs the close path for every client and closes its socket.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	for _, c := range clients {
		h.remove(c)
		c.closeConnection()
	}
	h.publishStats()

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the loop and waits up to timeout for every client goroutine
// to finish.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some client goroutines may still be running")
		return context.DeadlineExceeded
	}
}
