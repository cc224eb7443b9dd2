// Package hub implements the Hub Dispatcher (C6): the per-session WebSocket
// message loop that authenticates connections, routes the join/rejoin/leave/
// update/awareness protocol, authorizes mutations against the Document
// Access Control component, and fans updates out to room peers.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/collabhub/hub/internal/access"
	"github.com/collabhub/hub/internal/identity"
	"github.com/collabhub/hub/internal/metrics"
	"github.com/collabhub/hub/internal/presence"
	"github.com/collabhub/hub/internal/replica"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errMissingValidator = errors.New("hub: handshake validator dependency required")
	errMissingResolver  = errors.New("hub: access resolver dependency required")
	errMissingReplicas  = errors.New("hub: replica registry dependency required")
	errMissingRooms     = errors.New("hub: presence registry dependency required")
)

// Config bounds the dispatcher's transport behavior.
type Config struct {
	CORSOrigin      string
	OutboundBuffer  int
	RateLimitPerSec float64
	RateLimitBurst  int
}

func (c Config) withDefaults() Config {
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 32
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 40
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 80
	}
	return c
}

// Dependencies wires the hub to the rest of the collaboration subsystem.
type Dependencies struct {
	Validator *identity.HandshakeValidator
	Access    *access.Resolver
	Replicas  *replica.Registry
	Rooms     *presence.Registry
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	Config    Config
}

// Server is the Hub Dispatcher.
type Server struct {
	validator *identity.HandshakeValidator
	access    *access.Resolver
	replicas  *replica.Registry
	rooms     *presence.Registry
	metrics   *metrics.Registry
	logger    *zap.Logger
	config    Config
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer constructs a hub Server from its dependencies.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Access == nil {
		return nil, errMissingResolver
	}
	if deps.Replicas == nil {
		return nil, errMissingReplicas
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	config := deps.Config.withDefaults()

	return &Server{
		validator: deps.Validator,
		access:    deps.Access,
		replicas:  deps.Replicas,
		rooms:     deps.Rooms,
		metrics:   deps.Metrics,
		logger:    logger,
		config:    config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}, nil
}

// Router assembles the gin HTTP handler exposing the WebSocket upgrade
// endpoint and the Prometheus metrics endpoint.
func (s *Server) Router() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if s.config.CORSOrigin == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.config.CORSOrigin}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/ws", s.handleWebSocket)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func (s *Server) handleWebSocket(c *gin.Context) {
	user, err := s.validator.ValidateRequest(c.Request.Context(), c.Request)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, identity.ErrAuthMissing):
			reason = "missing"
		case errors.Is(err, identity.ErrAuthUnknownUser):
			reason = "unknown_user"
		}
		if s.metrics != nil {
			s.metrics.AuthRejections.WithLabelValues(reason).Inc()
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.config.RateLimitPerSec), s.config.RateLimitBurst)
	session := newSession(newSessionID(), conn, user, s.config.OutboundBuffer, limiter)

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}

	go s.writePump(session)
	s.readPump(session)
}

// newSessionID mints a time-ordered UUIDv7 session identifier, falling back
// to a random v4 if the v7 generator's entropy source is unavailable.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Server) readPump(session *Session) {
	defer s.handleDisconnect(session)

	session.conn.SetReadLimit(maxMessageSize)
	session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		session.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		if !session.limiter.Allow() {
			continue
		}

		var msg envelope
		if err := decodeEnvelope(payload, &msg); err != nil {
			s.logger.Debug("dropping malformed envelope", zap.String("session", session.id), zap.Error(err))
			continue
		}
		s.dispatch(context.Background(), session, msg)
	}
}

func (s *Server) writePump(session *Session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		session.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-session.send:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				session.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := session.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleDisconnect(session *Session) {
	session.conn.Close()

	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}

	left := s.rooms.LeaveAll(session.id)
	for _, documentID := range left {
		s.broadcast(documentID, "", envelope{
			Type:       typeUserLeft,
			DocumentID: documentID,
			UserID:     session.user.ID,
		})
		s.replicas.Retire(context.Background(), documentID)
	}
}

// sessionByID looks up a live session for fan-out; callers must not retain
// the result past the current dispatch.
func (s *Server) sessionByID(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// broadcast sends msg to every peer subscribed to documentID except
// exceptSessionID. A peer whose outbound buffer is saturated is dropped —
// it will reconnect and resync via state-vector diff.
func (s *Server) broadcast(documentID, exceptSessionID string, msg envelope) {
	payload, err := encodeEnvelope(msg)
	if err != nil {
		s.logger.Error("failed to encode broadcast envelope", zap.Error(err))
		return
	}
	for _, peer := range s.rooms.Peers(documentID, exceptSessionID) {
		session := s.sessionByID(peer.SessionID)
		if session == nil {
			continue
		}
		if !session.enqueue(payload) {
			s.logger.Warn("dropping slow peer", zap.String("session", session.id))
			session.conn.Close()
		}
	}
}

// direct sends msg to exactly one session.
func (s *Server) direct(session *Session, msg envelope) {
	payload, err := encodeEnvelope(msg)
	if err != nil {
		s.logger.Error("failed to encode directed envelope", zap.Error(err))
		return
	}
	if !session.enqueue(payload) {
		s.logger.Warn("dropping slow session on directed send", zap.String("session", session.id))
		session.conn.Close()
	}
}

// Shutdown closes the socket of every live session; it does not stop new
// connections. The replica registry's own Shutdown stops its reaper separately.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.conn.Close()
	}
}
