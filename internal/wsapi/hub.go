package wsapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second

	// sendBuffer bounds queued replies per client. A full buffer means
	// the client cannot keep up; further replies to it are dropped and
	// the cleanup sweep will prune it once it stops answering pings.
	sendBuffer = 8
)

// client is one WebSocket session. Replies flow through the buffered
// send channel so the handler never blocks on a slow peer.
type client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

// trySend queues a reply, dropping it when the client's writer is
// backed up or the session is already closing.
func (c *client) trySend(msg []byte) {
	defer func() {
		// send may race with a concurrent close; a dropped reply is the
		// defined outcome either way.
		if recover() != nil {
			log.Debug().Msg("websocket reply dropped, client closing")
		}
	}()
	select {
	case c.send <- msg:
	default:
		log.Debug().Msg("websocket client not ready, dropping reply")
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// writePump drains the send channel onto the wire. One per client.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

// hub tracks the connected clients.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
