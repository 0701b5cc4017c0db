package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Notifier delivers typed events to a logical recipient. Delivery is
// fire-and-forget: events for recipients without a live connection are
// dropped silently. The stored ride status stays the source of truth.
type Notifier interface {
	Send(recipientID, kind string, payload any)
}

// Event is the wire shape pushed to clients.
type Event struct {
	Kind    string `json:"event"`
	Payload any    `json:"payload"`
}

// WSSession serializes writes to one connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry maps recipient identity to its single active session.
// A later connect for the same recipient overwrites the earlier one;
// there is no multi-device fan-out.
type WSRegistry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{logger: logger, sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(recipientID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[recipientID]
	r.sessions[recipientID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

// Remove drops the mapping only while conn is still the registered
// connection, so a superseded connection's death cannot unregister the
// recipient's live replacement.
func (r *WSRegistry) Remove(recipientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[recipientID]; ok && s.conn == conn {
		delete(r.sessions, recipientID)
	}
}

func (r *WSRegistry) Connected(recipientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[recipientID]
	return ok
}

func (r *WSRegistry) Send(recipientID, kind string, payload any) {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.Send(Event{Kind: kind, Payload: payload}); err != nil {
		r.logger.Warn("ws send failed", "recipient", recipientID, "event", kind, "error", err)
	}
}
