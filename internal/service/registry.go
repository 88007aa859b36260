package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/metrics"
	"github.com/akii1234/yogya-sub001/internal/storage"

	"github.com/google/uuid"
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Registry owns the set of open rooms. The index below is only touched for
// lookup and create/remove; everything else happens inside the room actors.
type Registry struct {
	rooms        RoomStore
	participants ParticipantStore
	chat         ChatStore
	metrics      *metrics.Coordinator
	opts         Options
	tracer       trace.Tracer
	now          func() time.Time

	mu        sync.Mutex
	live      map[string]*room // roomID -> actor
	bySession map[string]*room // interviewSessionID -> actor
	pending   map[string]*pendingRoom
}

func NewRegistry(rooms RoomStore, participants ParticipantStore, chat ChatStore, m *metrics.Coordinator, opts Options) *Registry {
	opts.setDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	return &Registry{
		rooms:        rooms,
		participants: participants,
		chat:         chat,
		metrics:      m,
		opts:         opts,
		tracer:       otel.Tracer("github.com/akii1234/yogya-sub001/internal/service"),
		now:          func() time.Time { return time.Now().UTC() },
		live:         make(map[string]*room),
		bySession:    make(map[string]*room),
		pending:      make(map[string]*pendingRoom),
	}
}

func (g *Registry) env() roomEnv {
	return roomEnv{
		rooms:        g.rooms,
		participants: g.participants,
		chat:         g.chat,
		metrics:      g.metrics,
		now:          g.now,
		emptyGrace:   g.opts.EmptyGrace,
		storeTimeout: g.opts.StoreTimeout,
		onClose:      g.forget,
	}
}

// forget вызывается из горутины комнаты при закрытии.
func (g *Registry) forget(r *room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.live[r.id] == r {
		delete(g.live, r.id)
	}
	if g.bySession[r.sessionID] == r {
		delete(g.bySession, r.sessionID)
	}
}

func (g *Registry) lookup(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live[roomID]
}

// missing explains why roomID has no live actor.
func (g *Registry) missing(ctx context.Context, roomID string) error {
	if _, err := g.rooms.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return domain.ErrRoomNotFound
		}
		return fmt.Errorf("roomStore.GetRoom: %w", err)
	}
	return domain.ErrRoomClosed
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// pendingRoom reserves an interview session while its room is being stored.
type pendingRoom struct {
	done chan struct{}
}

// Recover closes rooms a previous process left active in storage. Their
// actors are gone, so nobody could join them again. Call before serving.
func (g *Registry) Recover(ctx context.Context) (int, error) {
	n, err := g.rooms.CloseStaleRooms(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("roomStore.CloseStaleRooms: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "stale rooms closed", "count", n)
	}
	return n, nil
}

// CreateOrGet returns the active room of the interview session, creating it
// when there is none. An existing room keeps its original config.
func (g *Registry) CreateOrGet(ctx context.Context, interviewSessionID string, cfg domain.RoomConfig) (*domain.Room, error) {
	rm, _, err := g.Ensure(ctx, interviewSessionID, cfg)
	return rm, err
}

// Ensure is CreateOrGet that also reports whether the room was created by this call.
func (g *Registry) Ensure(ctx context.Context, interviewSessionID string, cfg domain.RoomConfig) (_ *domain.Room, created bool, err error) {
	ctx, span := g.tracer.Start(ctx, "Registry.CreateOrGet",
		trace.WithAttributes(attribute.String("interview_session_id", interviewSessionID)))
	defer func() { endSpan(span, err) }()

	sid := strings.TrimSpace(interviewSessionID)
	if sid == "" {
		return nil, false, fmt.Errorf("%w: interview_session_id is required", domain.ErrInvalidMessage)
	}
	if err := ValidateICEServers(cfg.ICEServers); err != nil {
		return nil, false, err
	}

	// индекс держим под mu только на проверку и резерв, запись в store идёт без него
	var slot *pendingRoom
	for slot == nil {
		g.mu.Lock()
		if r, ok := g.bySession[sid]; ok && !r.isDone() {
			g.mu.Unlock()
			rm := domain.Room{
				ID:                 r.id,
				InterviewSessionID: r.sessionID,
				Config:             r.cfg.Clone(),
				Status:             domain.RoomActive,
				CreatedAt:          r.createdAt,
			}
			return &rm, false, nil
		}
		if p, ok := g.pending[sid]; ok {
			g.mu.Unlock()
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		slot = &pendingRoom{done: make(chan struct{})}
		g.pending[sid] = slot
		g.mu.Unlock()
	}

	cfg = cfg.Clone()
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = domain.RoomConfig{ICEServers: g.opts.DefaultICEServers}.Clone().ICEServers
	}
	rm := domain.Room{
		ID:                 uuid.NewString(),
		InterviewSessionID: sid,
		Config:             cfg,
		Status:             domain.RoomActive,
		CreatedAt:          g.now(),
	}

	sctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	err = g.rooms.CreateRoom(sctx, &rm)
	cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, sid)
	close(slot.done)
	if err != nil {
		return nil, false, fmt.Errorf("roomStore.CreateRoom: %w", err)
	}

	r := newRoom(rm, g.env())
	g.live[rm.ID] = r
	g.bySession[sid] = r
	g.metrics.RoomsActive.Inc()
	r.start(g.opts.IdleTimeout)

	slog.InfoContext(ctx, "room created", "room", rm.ID, "interview_session_id", sid)
	return &rm, true, nil
}

// Get returns a live snapshot, or the stored record of a closed room.
func (g *Registry) Get(ctx context.Context, roomID string) (*domain.Room, error) {
	if r := g.lookup(roomID); r != nil {
		rm, err := r.info(ctx)
		if err == nil {
			return rm, nil
		}
		if !errors.Is(err, domain.ErrRoomClosed) {
			return nil, err
		}
	}
	rm, err := g.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, fmt.Errorf("roomStore.GetRoom: %w", err)
	}
	return rm, nil
}

// Close is idempotent for rooms that are already closed.
func (g *Registry) Close(ctx context.Context, roomID string) (err error) {
	ctx, span := g.tracer.Start(ctx, "Registry.Close", trace.WithAttributes(attribute.String("room", roomID)))
	defer func() { endSpan(span, err) }()

	if r := g.lookup(roomID); r != nil {
		err := r.close(ctx, ReasonClosed)
		if err == nil || errors.Is(err, domain.ErrRoomClosed) {
			return nil
		}
		return err
	}
	if err := g.missing(ctx, roomID); !errors.Is(err, domain.ErrRoomClosed) {
		return err
	}
	return nil
}

func (g *Registry) ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error) {
	rooms, next, err := g.rooms.ListRooms(ctx, limit, cursor)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("roomStore.ListRooms: %w", err)
	}
	return rooms, next, nil
}

// Join registers peer as the identity's live participant of the room.
func (g *Registry) Join(ctx context.Context, roomID string, ident domain.Identity, role domain.Role, peer Peer) (_ *domain.Participant, err error) {
	ctx, span := g.tracer.Start(ctx, "Registry.Join", trace.WithAttributes(
		attribute.String("room", roomID),
		attribute.String("user", string(ident.UserID)),
		attribute.String("role", string(role)),
	))
	defer func() { endSpan(span, err) }()

	if ident.IsAnonymous() {
		return nil, domain.ErrUnauthenticated
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidMessage, role)
	}

	r := g.lookup(roomID)
	if r == nil {
		return nil, g.missing(ctx, roomID)
	}
	return r.join(ctx, ident, role, peer)
}

// Leave is a no-op for unknown connections and closed rooms.
func (g *Registry) Leave(ctx context.Context, roomID, connID string) error {
	r := g.lookup(roomID)
	if r == nil {
		return nil
	}
	if err := r.leave(ctx, connID); err != nil && !errors.Is(err, domain.ErrRoomClosed) {
		return err
	}
	return nil
}

// Participants lists live participants in join order.
func (g *Registry) Participants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	r := g.lookup(roomID)
	if r == nil {
		if err := g.missing(ctx, roomID); !errors.Is(err, domain.ErrRoomClosed) {
			return nil, err
		}
		return []domain.Participant{}, nil
	}
	list, err := r.list(ctx)
	if errors.Is(err, domain.ErrRoomClosed) {
		return []domain.Participant{}, nil
	}
	return list, err
}

// History returns every participant record of the room, departed ones included.
func (g *Registry) History(ctx context.Context, roomID string) ([]domain.Participant, error) {
	if _, err := g.Get(ctx, roomID); err != nil {
		return nil, err
	}
	list, err := g.participants.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("participantStore.ListParticipants: %w", err)
	}
	return list, nil
}

func (g *Registry) Relay(ctx context.Context, roomID string, env domain.SignalEnvelope) (RelayResult, error) {
	if !env.Kind.Valid() {
		return RelayResult{}, fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidMessage, env.Kind)
	}
	if strings.TrimSpace(env.To) == "" {
		return RelayResult{}, fmt.Errorf("%w: signal target is required", domain.ErrInvalidMessage)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return RelayResult{}, fmt.Errorf("%w: signal payload is empty", domain.ErrInvalidMessage)
	}

	r := g.lookup(roomID)
	if r == nil {
		return RelayResult{}, g.missing(ctx, roomID)
	}
	return r.relay(ctx, env)
}

func (g *Registry) SendChat(ctx context.Context, roomID, connID, text string) (*domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(text); n > g.opts.MaxChatLength {
		return nil, fmt.Errorf("%w: message too long (%d > %d)", domain.ErrInvalidMessage, n, g.opts.MaxChatLength)
	}

	r := g.lookup(roomID)
	if r == nil {
		return nil, g.missing(ctx, roomID)
	}
	return r.sendChat(ctx, connID, text)
}

func (g *Registry) ChatHistory(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.ChatMessage, error) {
	if _, err := g.Get(ctx, roomID); err != nil {
		return nil, err
	}
	msgs, err := g.chat.History(ctx, roomID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("chatStore.History: %w", err)
	}
	return msgs, nil
}

func (g *Registry) ActiveRooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Shutdown closes every open room, evicting their connections.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	open := make([]*room, 0, len(g.live))
	for _, r := range g.live {
		open = append(open, r)
	}
	g.mu.Unlock()

	var errs []error
	for _, r := range open {
		if err := r.close(ctx, ReasonShutdown); err != nil && !errors.Is(err, domain.ErrRoomClosed) {
			errs = append(errs, fmt.Errorf("close room %s: %w", r.id, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateICEServers checks every URL with the ICE URL parser (stun:, stuns:, turn:, turns:).
func ValidateICEServers(servers []webrtc.ICEServer) error {
	for i, s := range servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("%w: ice server #%d has no urls", domain.ErrInvalidMessage, i)
		}
		for _, raw := range s.URLs {
			if _, err := ice.ParseURL(raw); err != nil {
				return fmt.Errorf("%w: ice server url %q: %v", domain.ErrInvalidMessage, raw, err)
			}
		}
	}
	return nil
}
