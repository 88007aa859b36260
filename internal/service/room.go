package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/metrics"

	"github.com/google/uuid"
)

type member struct {
	p    *domain.Participant
	peer Peer
}

type roomEnv struct {
	rooms        RoomStore
	participants ParticipantStore
	chat         ChatStore
	metrics      *metrics.Coordinator
	now          func() time.Time
	emptyGrace   time.Duration
	storeTimeout time.Duration
	onClose      func(*room)
}

// room это актор: всё состояние ниже ops меняется только в run().
// Снаружи с комнатой общаются через do().
type room struct {
	id        string
	sessionID string
	cfg       domain.RoomConfig
	createdAt time.Time

	ops  chan func()
	done chan struct{}

	status     domain.RoomStatus
	closedAt   time.Time
	members    []*member // в порядке входа
	seq        int64
	idle       *time.Timer
	idleC      <-chan time.Time
	idleReason string

	env roomEnv
	log *slog.Logger
}

func newRoom(rm domain.Room, env roomEnv) *room {
	return &room{
		id:        rm.ID,
		sessionID: rm.InterviewSessionID,
		cfg:       rm.Config.Clone(),
		createdAt: rm.CreatedAt,
		ops:       make(chan func()),
		done:      make(chan struct{}),
		status:    domain.RoomActive,
		env:       env,
		log:       slog.With("room", rm.ID),
	}
}

func (r *room) start(idleTimeout time.Duration) {
	if idleTimeout > 0 {
		r.armIdle(idleTimeout, ReasonIdle)
	}
	go r.run()
}

func (r *room) run() {
	defer close(r.done)
	for r.status != domain.RoomClosed {
		select {
		case op := <-r.ops:
			op()
		case <-r.idleC:
			reason := r.idleReason
			r.idle, r.idleC = nil, nil
			r.shutdown(reason)
		}
	}
}

func (r *room) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// do runs fn on the room goroutine and waits for it. Once fn has been handed
// over it always runs to completion, whatever happens to ctx.
func (r *room) do(ctx context.Context, fn func() error) error {
	var opErr error
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("room op panic", "panic", p, "stack", string(debug.Stack()))
				opErr = fmt.Errorf("room %s: operation aborted: %v", r.id, p)
			}
		}()
		opErr = fn()
	}

	select {
	case r.ops <- op:
	case <-r.done:
		return domain.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return opErr
}

func (r *room) armIdle(d time.Duration, reason string) {
	r.stopIdle()
	r.idle = time.NewTimer(d)
	r.idleC = r.idle.C
	r.idleReason = reason
}

func (r *room) stopIdle() {
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle, r.idleC = nil, nil
}

func (r *room) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.env.storeTimeout)
}

// snapshot must run on the room goroutine.
func (r *room) snapshot() domain.Room {
	rm := domain.Room{
		ID:                 r.id,
		InterviewSessionID: r.sessionID,
		Config:             r.cfg.Clone(),
		Status:             r.status,
		CreatedAt:          r.createdAt,
	}
	if r.status == domain.RoomClosed {
		at := r.closedAt
		rm.ClosedAt = &at
	}
	return rm
}

func (r *room) live() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m.p)
	}
	return out
}

func (r *room) memberByConn(connID string) *member {
	for _, m := range r.members {
		if m.p.ConnID == connID {
			return m
		}
	}
	return nil
}

func (r *room) memberByUser(uid domain.UserID) *member {
	for _, m := range r.members {
		if m.p.UserID == uid {
			return m
		}
	}
	return nil
}

func (r *room) remove(m *member) {
	for i, x := range r.members {
		if x == m {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// broadcast returns how many members could not take the event.
func (r *room) broadcast(ev domain.Event, exceptConn string) (failed int) {
	for _, m := range r.members {
		if m.p.ConnID == exceptConn {
			continue
		}
		if !m.peer.Deliver(ev) {
			failed++
		}
	}
	return failed
}

func (r *room) saveParticipant(p *domain.Participant) error {
	ctx, cancel := r.storeCtx()
	defer cancel()
	return r.env.participants.SaveParticipant(ctx, p)
}

func (r *room) markLeft(m *member, at time.Time) {
	m.p.Live = false
	m.p.LeftAt = &at
	if err := r.saveParticipant(m.p); err != nil {
		r.log.Error("room.markLeft save failed", "participant", m.p.ID, "err", err)
	}
	r.env.metrics.ParticipantsLive.Dec()
}

func (r *room) depart(m *member, reason string) {
	r.remove(m)
	r.markLeft(m, r.env.now())

	left := *m.p
	r.broadcast(domain.Event{
		Type:        domain.EventParticipantLeft,
		RoomID:      r.id,
		Reason:      reason,
		Participant: &left,
	}, "")
	r.log.Info("participant left", "user", m.p.UserID, "conn", m.p.ConnID, "reason", reason)
}

// ---------- operations (room goroutine) ----------

func (r *room) handleJoin(ident domain.Identity, role domain.Role, peer Peer) (*domain.Participant, error) {
	// переподключение вытесняет старое соединение того же пользователя
	if old := r.memberByUser(ident.UserID); old != nil {
		r.depart(old, ReasonSuperseded)
		old.peer.Evict(ReasonSuperseded)
		r.env.metrics.SessionsEvicted.WithLabelValues(ReasonSuperseded).Inc()
	}

	p := &domain.Participant{
		ID:          uuid.NewString(),
		RoomID:      r.id,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		Role:        role,
		ConnID:      peer.ConnID(),
		JoinedAt:    r.env.now(),
		Live:        true,
	}
	if err := r.saveParticipant(p); err != nil {
		return nil, fmt.Errorf("participantStore.SaveParticipant: %w", err)
	}

	joined := *p
	r.broadcast(domain.Event{Type: domain.EventParticipantJoined, RoomID: r.id, Participant: &joined}, "")

	r.members = append(r.members, &member{p: p, peer: peer})
	r.stopIdle()
	r.env.metrics.ParticipantsLive.Inc()

	// снапшот уходит в очередь раньше любых последующих событий комнаты
	peer.Deliver(domain.Event{
		Type:   domain.EventJoined,
		RoomID: r.id,
		Joined: &domain.JoinedSnapshot{Room: r.snapshot(), Self: joined, Participants: r.live()},
	})

	r.log.Info("participant joined", "user", p.UserID, "conn", p.ConnID, "role", p.Role, "live", len(r.members))
	return &joined, nil
}

func (r *room) handleLeave(connID string) {
	m := r.memberByConn(connID)
	if m == nil {
		return
	}
	r.depart(m, ReasonLeft)

	if len(r.members) == 0 {
		if r.env.emptyGrace <= 0 {
			r.shutdown(ReasonEmpty)
			return
		}
		r.armIdle(r.env.emptyGrace, ReasonEmpty)
	}
}

func (r *room) handleRelay(env domain.SignalEnvelope) (RelayResult, error) {
	sender := r.memberByConn(env.FromConn)
	if sender == nil {
		return RelayResult{}, domain.ErrNotInRoom
	}
	if env.ScreenShare && !r.cfg.ScreenShareEnabled {
		return RelayResult{}, fmt.Errorf("%w: screen sharing is disabled for this room", domain.ErrFeatureDisabled)
	}
	env.RoomID = r.id
	env.From = sender.p.UserID
	ev := domain.Event{Type: domain.EventSignal, RoomID: r.id, Signal: &env}

	var res RelayResult
	if env.To == domain.TargetAll {
		for _, m := range r.members {
			if m == sender {
				continue
			}
			if m.peer.Deliver(ev) {
				res.Delivered++
			} else {
				res.Failed++
			}
		}
	} else {
		target := r.memberByUser(domain.UserID(env.To))
		switch {
		case target == sender:
			return RelayResult{}, fmt.Errorf("%w: cannot signal yourself", domain.ErrInvalidMessage)
		case target == nil:
			res.Failed = 1
		case target.peer.Deliver(ev):
			res.Delivered = 1
		default:
			res.Failed = 1
		}
	}

	r.env.metrics.SignalsRelayed.WithLabelValues(string(env.Kind)).Add(float64(res.Delivered))
	r.env.metrics.DeliveryFailures.Add(float64(res.Failed))

	if env.To != domain.TargetAll && res.Failed > 0 {
		return res, fmt.Errorf("%w: target %s is not live", domain.ErrDeliveryFailed, env.To)
	}
	return res, nil
}

func (r *room) handleChat(connID, text string) (*domain.ChatMessage, error) {
	if !r.cfg.ChatEnabled {
		return nil, fmt.Errorf("%w: chat is disabled for this room", domain.ErrFeatureDisabled)
	}
	sender := r.memberByConn(connID)
	if sender == nil {
		return nil, domain.ErrNotInRoom
	}

	msg := domain.ChatMessage{
		ID:          uuid.NewString(),
		RoomID:      r.id,
		UserID:      sender.p.UserID,
		DisplayName: sender.p.DisplayName,
		Text:        text,
		Seq:         r.seq + 1,
		CreatedAt:   r.env.now(),
	}
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.env.chat.SaveMessage(ctx, &msg); err != nil {
		// номер не считается выданным
		return nil, fmt.Errorf("chatStore.SaveMessage: %w", err)
	}
	r.seq = msg.Seq

	out := msg
	r.broadcast(domain.Event{Type: domain.EventChatMessage, RoomID: r.id, Chat: &out}, "")
	r.env.metrics.ChatMessages.Inc()
	return &msg, nil
}

func (r *room) shutdown(reason string) {
	if r.status == domain.RoomClosed {
		return
	}
	now := r.env.now()
	r.status = domain.RoomClosed
	r.closedAt = now
	r.stopIdle()

	members := r.members
	r.members = nil
	for _, m := range members {
		r.markLeft(m, now)
		m.peer.Deliver(domain.Event{Type: domain.EventRoomClosed, RoomID: r.id, Reason: reason})
		m.peer.Evict(ReasonRoomClosed)
		r.env.metrics.SessionsEvicted.WithLabelValues(ReasonRoomClosed).Inc()
	}

	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.env.rooms.CloseRoom(ctx, r.id, now); err != nil {
		r.log.Error("room.shutdown close failed", "err", err)
	}
	r.env.metrics.RoomsActive.Dec()
	r.log.Info("room closed", "reason", reason, "evicted", len(members))

	if r.env.onClose != nil {
		r.env.onClose(r)
	}
}

// ---------- callers ----------

func (r *room) join(ctx context.Context, ident domain.Identity, role domain.Role, peer Peer) (*domain.Participant, error) {
	var p *domain.Participant
	err := r.do(ctx, func() (err error) {
		p, err = r.handleJoin(ident, role, peer)
		return err
	})
	return p, err
}

func (r *room) leave(ctx context.Context, connID string) error {
	return r.do(ctx, func() error {
		r.handleLeave(connID)
		return nil
	})
}

func (r *room) list(ctx context.Context) ([]domain.Participant, error) {
	var out []domain.Participant
	err := r.do(ctx, func() error {
		out = r.live()
		return nil
	})
	return out, err
}

func (r *room) info(ctx context.Context) (*domain.Room, error) {
	var rm domain.Room
	err := r.do(ctx, func() error {
		rm = r.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

func (r *room) relay(ctx context.Context, env domain.SignalEnvelope) (RelayResult, error) {
	var res RelayResult
	err := r.do(ctx, func() (err error) {
		res, err = r.handleRelay(env)
		return err
	})
	return res, err
}

func (r *room) sendChat(ctx context.Context, connID, text string) (*domain.ChatMessage, error) {
	var msg *domain.ChatMessage
	err := r.do(ctx, func() (err error) {
		msg, err = r.handleChat(connID, text)
		return err
	})
	return msg, err
}

func (r *room) close(ctx context.Context, reason string) error {
	return r.do(ctx, func() error {
		r.shutdown(reason)
		return nil
	})
}
