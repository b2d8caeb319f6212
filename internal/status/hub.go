package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/orion/safetynet/internal/safety"
)

const (
	writeWait   = 2 * time.Second
	sendBuffer  = 32
	defaultMax  = 10
	closeReason = "safety net shutting down"
)

type peer struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams monitor transitions to WebSocket clients. It implements
// safety.Observer; a client that cannot keep up is disconnected.
type Hub struct {
	mutex    sync.Mutex
	peers    map[*peer]bool
	max      int
	closed   bool
	upgrader websocket.Upgrader
	logger   *logrus.Entry
}

// NewHub creates a hub accepting at most max concurrent clients.
func NewHub(max int, logger *logrus.Entry) *Hub {
	if max <= 0 {
		max = defaultMax
	}
	return &Hub{
		peers:  make(map[*peer]bool),
		max:    max,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(p) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writeLoop(p)

	// Drain client frames so control messages are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(p)
}

func (h *Hub) add(p *peer) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	if len(h.peers) >= h.max {
		h.logger.Warnf("max WebSocket clients reached (%d)", h.max)
		return false
	}
	h.peers[p] = true
	h.logger.Infof("added WebSocket client %s (total: %d)", p.conn.RemoteAddr(), len(h.peers))
	return true
}

func (h *Hub) remove(p *peer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.peers[p]; !ok {
		return
	}
	delete(h.peers, p)
	close(p.send)
	h.logger.Infof("removed WebSocket client %s (remaining: %d)", p.conn.RemoteAddr(), len(h.peers))
}

func (h *Hub) writeLoop(p *peer) {
	defer p.conn.Close()
	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Errorf("failed to send WebSocket message to %s: %v", p.conn.RemoteAddr(), err)
			h.remove(p)
			return
		}
	}
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReason),
		time.Now().Add(writeWait))
}

// Observe implements safety.Observer.
func (h *Hub) Observe(t safety.Transition) {
	msg, err := json.Marshal(t)
	if err != nil {
		h.logger.Errorf("failed to marshal transition: %v", err)
		return
	}
	h.Broadcast(msg)
}

// Broadcast queues msg for every client without blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for p := range h.peers {
		select {
		case p.send <- msg:
		default:
			h.logger.Warnf("WebSocket client %s too slow, disconnecting", p.conn.RemoteAddr())
			delete(h.peers, p)
			close(p.send)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.peers)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	for p := range h.peers {
		delete(h.peers, p)
		close(p.send)
	}
}
