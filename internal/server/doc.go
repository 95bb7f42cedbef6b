// Package server is the WebSocket transport for the collaboration service.
//
// The Hub runs one event loop that owns every connection and drives the
// router, so all session and room state changes happen in arrival order on a
// single goroutine. Each Client runs a read pump that forwards frames to the
// hub and a write pump that drains its send buffer to the socket. Server
// wires the two behind an origin-checking upgrader and serves /ws, /health
// and /stats.
package server
