package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/metrics"
	"github.com/akii1234/yogya-sub001/internal/security"
	"github.com/akii1234/yogya-sub001/internal/service"
	"github.com/akii1234/yogya-sub001/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Coordinator is the room side of a session.
type Coordinator interface {
	Join(ctx context.Context, roomID string, ident domain.Identity, role domain.Role, peer service.Peer) (*domain.Participant, error)
	Leave(ctx context.Context, roomID, connID string) error
	Relay(ctx context.Context, roomID string, env domain.SignalEnvelope) (service.RelayResult, error)
	SendChat(ctx context.Context, roomID, connID, text string) (*domain.ChatMessage, error)
	Participants(ctx context.Context, roomID string) ([]domain.Participant, error)
}

type Verifier interface {
	Verify(raw string) (domain.Identity, error)
}

type Config struct {
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendQueue      int
	ReadLimit      int64
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

type Server struct {
	upgrader websocket.Upgrader
	coord    Coordinator
	verifier Verifier
	metrics  *metrics.Coordinator
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(coord Coordinator, verifier Verifier, m *metrics.Coordinator, cfg Config) *Server {
	cfg.setDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	s := &Server{
		coord:    coord,
		verifier: verifier,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWS serves GET /ws and GET /ws/rooms/{id}?role=...
// A token in the handshake is verified before the upgrade; without one the
// client has AuthTimeout to send an authenticate frame.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context())

	ident := domain.Anonymous
	if raw := security.TokenFromRequest(r); raw != "" {
		id, err := s.verifier.Verify(raw)
		if err != nil {
			s.metrics.AuthFailures.Inc()
			log.Warn("ws handshake rejected", "err", err)
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		ident = id
	}

	roomID := strings.TrimSpace(chi.URLParam(r, "id"))
	var role domain.Role
	if roomID != "" {
		var err error
		if role, err = domain.ParseRole(r.URL.Query().Get("role")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		log.Warn("ws upgrade failed", "err", err)
		return
	}

	connID := xid.New().String()
	sess := newSession(connID, conn, s, log.With("conn", connID))
	s.track(sess)
	sess.log.Info("ws session opened", "room", roomID, "authenticated", !ident.IsAnonymous())

	sess.serve(logger.WithContext(r.Context(), sess.log), ident, roomID, role)
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) forget(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// Sessions returns the number of open connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown evicts every open session and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Evict(service.ReasonShutdown)
	}

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for s.Sessions() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
