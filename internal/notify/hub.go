package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// wsSession is one connected recipient. Writes are serialized because a
// websocket connection supports a single concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(n)
}

// Hub pushes notifications to drivers and clients connected over websocket.
// Recipients that are not connected are skipped.
type Hub struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*wsSession
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, sessions: make(map[string]*wsSession)}
}

// Name implements Sink.
func (h *Hub) Name() string { return "websocket" }

// Serve registers conn for recipientID and blocks until the peer goes away.
// A newer connection for the same recipient replaces the older one.
func (h *Hub) Serve(recipientID string, conn *websocket.Conn) {
	s := &wsSession{conn: conn}

	h.mu.Lock()
	if old, ok := h.sessions[recipientID]; ok {
		old.conn.Close()
	}
	h.sessions[recipientID] = s
	h.mu.Unlock()

	defer h.drop(recipientID, s)

	// Inbound frames are ignored; reading is how we notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Connected reports whether recipientID has a live connection.
func (h *Hub) Connected(recipientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[recipientID]
	return ok
}

// Deliver implements Sink.
func (h *Hub) Deliver(_ context.Context, n Notification) error {
	h.mu.RLock()
	s, ok := h.sessions[n.RecipientID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := s.send(n); err != nil {
		h.log.Debug().Err(err).Str("recipient_id", n.RecipientID).Msg("websocket send failed")
		h.drop(n.RecipientID, s)
		return err
	}
	return nil
}

// Close disconnects every recipient.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		s.conn.Close()
		delete(h.sessions, id)
	}
}

func (h *Hub) drop(recipientID string, s *wsSession) {
	h.mu.Lock()
	if cur, ok := h.sessions[recipientID]; ok && cur == s {
		delete(h.sessions, recipientID)
	}
	h.mu.Unlock()
	s.conn.Close()
}
