package notify

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Notice is what gets pushed to a connected driver or rider session.
type Notice struct {
	Kind      string `json:"kind"`
	BookingID string `json:"booking_id"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Notifier delivers notices to principals (driver or rider ids). Delivery is
// best-effort; a disconnected principal is not an error the dispatch path
// cares about.
type Notifier interface {
	Notify(principalID string, n Notice) error
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

// WSSession is one connected client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// WSRegistry tracks connected driver and rider sessions by principal id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(principalID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[principalID] = &WSSession{conn: conn}
}

// Remove drops the session for principalID, but only while it still wraps
// conn. A principal that reconnected keeps the newer session.
func (r *WSRegistry) Remove(principalID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[principalID]; ok && s.conn == conn {
		delete(r.sessions, principalID)
	}
}

func (r *WSRegistry) Notify(principalID string, n Notice) error {
	r.mu.RLock()
	s, ok := r.sessions[principalID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(n)
}
