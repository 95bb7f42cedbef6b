package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/collabcode/internal/config"
	"github.com/Tyrowin/collabcode/internal/router"
)

// ErrMsgRateLimited is sent to a client whose frame was discarded by the
// rate limiter.
const ErrMsgRateLimited = "rate limit exceeded"

const writeWait = 10 * time.Second

// Client is one WebSocket connection. The hub assigns id on registration;
// the read and write pumps own the socket from then on.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string

	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
	limiter        *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         *slog.Logger
}

// NewClient wraps an upgraded connection with the limits from cfg.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.Server.MaxMessageSize)
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.Server.SendBuffer),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.Server.MaxMessageSize,
		pingInterval:   cfg.Heartbeat.PingInterval,
		pongWait:       cfg.Heartbeat.PongWait,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With("remote_addr", addr),
	}
}

// setupReadConnection arms the read deadline; every pong extends it and
// counts as a session heartbeat.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Debug("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			c.logger.Debug("error setting read deadline in pong handler", "error", err)
		}
		c.hub.heartbeat(c)
		return nil
	})
}

// logReadError records why the read loop is ending.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", "error", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "refill_interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		msg := ""
		switch {
		case kind != websocket.TextMessage:
			msg = router.ErrMsgInvalidFormat
		case !c.checkRateLimit():
			msg = ErrMsgRateLimited
		}

		if msg != "" {
			if !c.hub.reject(c, msg) {
				return
			}
			continue
		}
		if !c.hub.receive(c, payload) {
			return
		}
	}
}

// writePump drains the send buffer, one envelope per text frame, and pings
// the peer every pingInterval. It exits when the hub closes send.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection", "error", err)
	}
}

// handleMessage writes one outgoing envelope and returns false if the
// connection should be closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", "error", err)
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping message", "error", err)
		}
		return false
	}
	return true
}
