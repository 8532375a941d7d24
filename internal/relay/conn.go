package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// connection wraps one accepted WebSocket socket: a reader loop (which
// hosts the auth state machine and post-auth dispatch) and a writer loop
// draining this connection's send queue. The two communicate only
// through the queue, so a slow socket can never block a producer
// forwarding frames to it.
type connection struct {
	id     string
	kind   string // KindOrchestrator or KindClient
	tenant string

	ws   *websocket.Conn
	send *sendQueue

	logger *slog.Logger

	writerDone chan struct{}
}

func newConnection(id, kind, tenant string, ws *websocket.Conn, logger *slog.Logger) *connection {
	return &connection{
		id:         id,
		kind:       kind,
		tenant:     tenant,
		ws:         ws,
		send:       newSendQueue(),
		logger:     logger,
		writerDone: make(chan struct{}),
	}
}

// Push implements registry.Sender.
func (c *connection) Push(msg []byte) {
	c.send.Push(msg)
}

// writePump drains the send queue into the socket until the queue is
// closed and drained, or a write fails.
func (c *connection) writePump() {
	defer close(c.writerDone)
	for {
		msg, ok := c.send.Pop()
		if !ok {
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Debug("relay: write failed, closing writer", "conn_id", c.id, "error", err)
			return
		}
	}
}

// writeEnvelope enqueues a JSON envelope for delivery.
func (c *connection) writeEnvelope(typ string, payload interface{}) {
	msg, err := newEnvelope(typ, payload)
	if err != nil {
		c.logger.Error("relay: encode envelope failed", "conn_id", c.id, "type", typ, "error", err)
		return
	}
	c.send.Push(msg)
}

// closeGracefully closes the send queue so the writer can drain, waits
// up to the grace period for it to finish, then closes the socket.
func (c *connection) closeGracefully(grace time.Duration) {
	c.send.Close()
	select {
	case <-c.writerDone:
	case <-time.After(grace):
	}
	c.ws.Close()
}

// cleanupGrace is the time the writer is given to drain after the reader
// terminates, per spec.md §5.
const cleanupGrace = 200 * time.Millisecond
