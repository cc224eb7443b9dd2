package hub

import (
	"sync"
	"time"

	"github.com/collabhub/hub/internal/documents"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB, generous for a coalesced update batch
)

// Session is one connected client: its socket, outbound buffer, verified
// identity, and the documents it currently holds a role on.
type Session struct {
	id      string
	conn    *websocket.Conn
	user    *documents.User
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	joined map[string]documents.Role
}

func newSession(id string, conn *websocket.Conn, user *documents.User, outboundBuffer int, limiter *rate.Limiter) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		user:    user,
		send:    make(chan []byte, outboundBuffer),
		limiter: limiter,
		joined:  make(map[string]documents.Role),
	}
}

// roleFor returns the role this session holds on documentID, and whether it
// has joined that document at all.
func (s *Session) roleFor(documentID string) (documents.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.joined[documentID]
	return role, ok
}

func (s *Session) setRole(documentID string, role documents.Role) {
	s.mu.Lock()
	s.joined[documentID] = role
	s.mu.Unlock()
}

func (s *Session) dropDocument(documentID string) {
	s.mu.Lock()
	delete(s.joined, documentID)
	s.mu.Unlock()
}

// enqueue attempts a non-blocking send to the session's outbound buffer. A
// full buffer means a slow peer; the caller is expected to tear the
// connection down rather than block the hub on it.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}
