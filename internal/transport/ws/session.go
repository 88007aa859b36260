package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/service"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const leaveTimeout = 5 * time.Second

type closeReq struct {
	code  int
	text  string
	flush bool
}

// Session is one WebSocket connection. The read loop owns identity and room
// membership; the write loop owns the socket writes. Rooms reach it only
// through Deliver and Evict.
type Session struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger

	state atomic.Int32

	// только из read loop
	ident  domain.Identity
	roomID string

	send       chan Out
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	req        closeReq
}

func newSession(id string, conn *websocket.Conn, srv *Server, log *slog.Logger) *Session {
	return &Session{
		id:         id,
		conn:       conn,
		srv:        srv,
		log:        log,
		send:       make(chan Out, srv.cfg.SendQueue),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ConnID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	if State(s.state.Load()) == StateClosed {
		return
	}
	s.state.Store(int32(st))
}

// Deliver never blocks: a full queue evicts the session instead of stalling the room.
func (s *Session) Deliver(ev domain.Event) bool {
	if s.isClosing() {
		return false
	}
	f, ok := eventFrame(ev)
	if !ok {
		return false
	}
	if !s.enqueue(f) {
		s.srv.metrics.SessionsEvicted.WithLabelValues(service.ReasonSlowConsumer).Inc()
		s.log.Warn("ws slow consumer evicted", "queue", cap(s.send))
		s.closeWith(websocket.ClosePolicyViolation, service.ReasonSlowConsumer, false)
		return false
	}
	return true
}

// Evict closes the connection after flushing what is already queued.
func (s *Session) Evict(reason string) {
	code := websocket.CloseNormalClosure
	if reason == service.ReasonShutdown {
		code = websocket.CloseGoingAway
	}
	s.closeWith(code, reason, true)
}

func (s *Session) enqueue(f Out) bool {
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) closeWith(code int, text string, flush bool) {
	s.closeOnce.Do(func() {
		s.req = closeReq{code: code, text: text, flush: flush}
		s.state.Store(int32(StateClosed))
		close(s.closing)
	})
}

// ---------- lifecycle ----------

// serve runs the session until the connection is gone. ident is set when the
// handshake already carried a valid token; roomID/role when the URL named a room.
func (s *Session) serve(ctx context.Context, ident domain.Identity, roomID string, role domain.Role) {
	go s.writeLoop()
	defer s.finish(ctx)

	if !ident.IsAnonymous() {
		s.authenticated(ident)
	} else {
		t := time.AfterFunc(s.srv.cfg.AuthTimeout, func() {
			if s.State() == StateConnecting {
				s.srv.metrics.AuthFailures.Inc()
				s.fail("", fmt.Errorf("%w: authentication timeout", domain.ErrUnauthenticated))
			}
		})
		defer t.Stop()
	}

	if roomID != "" && s.State() == StateAuthenticated {
		if !s.join(ctx, "", roomID, role) {
			return
		}
		roomID = ""
	}
	s.readLoop(ctx, roomID, role)
}

func (s *Session) finish(ctx context.Context) {
	s.closeWith(websocket.CloseNormalClosure, "", false)
	<-s.writerDone

	if s.roomID != "" {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		if err := s.srv.coord.Leave(lctx, s.roomID, s.id); err != nil {
			s.log.Debug("ws leave failed", "room", s.roomID, "err", err)
		}
		s.roomID = ""
	}
	s.srv.forget(s)
	s.log.Info("ws session closed", "user", s.ident.UserID, "reason", s.req.text)
}

func (s *Session) readLoop(ctx context.Context, pendingRoom string, pendingRole domain.Role) {
	ping := s.srv.cfg.PingInterval
	s.conn.SetReadLimit(s.srv.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * ping))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * ping))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.isClosing() {
				s.log.Debug("ws read failed", "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * ping))

		var in In
		if err := gojson.Unmarshal(data, &in); err != nil || in.Type == "" {
			s.replyErr("", fmt.Errorf("%w: malformed frame", domain.ErrInvalidMessage))
			continue
		}

		wasConnecting := s.State() == StateConnecting
		if !s.dispatch(ctx, in) {
			return
		}
		if wasConnecting && pendingRoom != "" && s.State() == StateAuthenticated {
			room := pendingRoom
			pendingRoom = ""
			if !s.join(ctx, "", room, pendingRole) {
				return
			}
		}
	}
}

// dispatch handles one frame. false ends the session.
func (s *Session) dispatch(ctx context.Context, in In) bool {
	st := s.State()
	if st == StateClosed {
		return false
	}
	if st == StateConnecting && in.Type != TypeAuthenticate {
		return s.fail(in.ID, fmt.Errorf("%w: authenticate first", domain.ErrUnauthenticated))
	}

	switch in.Type {
	case TypeAuthenticate:
		if st != StateConnecting {
			s.replyErr(in.ID, fmt.Errorf("%w: already authenticated", domain.ErrInvalidMessage))
			return true
		}
		var p AuthenticatePayload
		if err := decode(in.Payload, &p); err != nil {
			return s.fail(in.ID, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err))
		}
		ident, err := s.srv.verifier.Verify(p.Token)
		if err == nil && ident.IsAnonymous() {
			err = fmt.Errorf("%w: token is required", domain.ErrUnauthenticated)
		}
		if err != nil {
			s.srv.metrics.AuthFailures.Inc()
			return s.fail(in.ID, err)
		}
		s.authenticated(ident)
		s.reply(in.ID, AckPayload{UserID: string(ident.UserID)})

	case TypeJoinRoom:
		if st != StateAuthenticated {
			s.replyErr(in.ID, fmt.Errorf("%w: already in room %s", domain.ErrInvalidMessage, s.roomID))
			return true
		}
		var p JoinRoomPayload
		if err := decode(in.Payload, &p); err != nil || p.RoomID == "" {
			return s.fail(in.ID, fmt.Errorf("%w: join_room needs room_id", domain.ErrInvalidMessage))
		}
		role, err := domain.ParseRole(p.Role)
		if err != nil {
			return s.fail(in.ID, err)
		}
		return s.join(ctx, in.ID, p.RoomID, role)

	case TypeLeaveRoom:
		if s.roomID == "" {
			s.replyErr(in.ID, domain.ErrNotInRoom)
			return true
		}
		room := s.roomID
		if err := s.srv.coord.Leave(ctx, room, s.id); err != nil {
			s.replyErr(in.ID, err)
			return true
		}
		s.roomID = ""
		s.setState(StateAuthenticated)
		s.log.Info("ws left room", "room", room, "user", s.ident.UserID)
		s.reply(in.ID, AckPayload{RoomID: room})

	case TypeSendSignal:
		if s.roomID == "" {
			s.replyErr(in.ID, domain.ErrNotInRoom)
			return true
		}
		var p SendSignalPayload
		if err := decode(in.Payload, &p); err != nil {
			s.replyErr(in.ID, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err))
			return true
		}
		res, err := s.srv.coord.Relay(ctx, s.roomID, domain.SignalEnvelope{
			RoomID:      s.roomID,
			From:        s.ident.UserID,
			FromConn:    s.id,
			To:          p.Target,
			Kind:        domain.SignalKind(p.Kind),
			Payload:     p.Payload,
			ScreenShare: p.ScreenShare,
		})
		if err != nil {
			s.replyErr(in.ID, err)
			return true
		}
		delivered := res.Delivered
		s.reply(in.ID, AckPayload{Delivered: &delivered})

	case TypeSendChat:
		if s.roomID == "" {
			s.replyErr(in.ID, domain.ErrNotInRoom)
			return true
		}
		var p SendChatPayload
		if err := decode(in.Payload, &p); err != nil {
			s.replyErr(in.ID, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err))
			return true
		}
		msg, err := s.srv.coord.SendChat(ctx, s.roomID, s.id, p.Text)
		if err != nil {
			s.replyErr(in.ID, err)
			return true
		}
		ts := msg.CreatedAt
		s.reply(in.ID, AckPayload{Sequence: msg.Seq, Timestamp: &ts})

	case TypeListParticipants:
		if s.roomID == "" {
			s.replyErr(in.ID, domain.ErrNotInRoom)
			return true
		}
		parts, err := s.srv.coord.Participants(ctx, s.roomID)
		if err != nil {
			s.replyErr(in.ID, err)
			return true
		}
		s.reply(in.ID, AckPayload{RoomID: s.roomID, Participants: participantItems(parts)})

	case TypePing:
		s.push(Out{Type: TypePong, ID: in.ID})

	default:
		s.replyErr(in.ID, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidMessage, in.Type))
	}
	return true
}

func (s *Session) authenticated(ident domain.Identity) {
	s.ident = ident
	s.setState(StateAuthenticated)
	s.log.Debug("ws authenticated", "user", ident.UserID)
}

// join registers presence. The room itself queues the joined snapshot before
// it returns. Failure closes the session.
func (s *Session) join(ctx context.Context, frameID, roomID string, role domain.Role) bool {
	p, err := s.srv.coord.Join(ctx, roomID, s.ident, role, s)
	if err != nil {
		return s.fail(frameID, err)
	}
	s.roomID = roomID
	s.setState(StateJoined)
	s.log.Info("ws joined room", "room", roomID, "user", s.ident.UserID, "participant", p.ID, "role", p.Role)
	s.setState(StateActive)
	if frameID != "" {
		s.reply(frameID, AckPayload{RoomID: roomID})
	}
	return true
}

// ---------- outbound ----------

func (s *Session) push(f Out) {
	if s.isClosing() {
		return
	}
	if !s.enqueue(f) {
		s.srv.metrics.SessionsEvicted.WithLabelValues(service.ReasonSlowConsumer).Inc()
		s.closeWith(websocket.ClosePolicyViolation, service.ReasonSlowConsumer, false)
	}
}

func (s *Session) reply(id string, p AckPayload) {
	s.push(Out{Type: TypeAck, ID: id, Payload: p})
}

func (s *Session) replyErr(id string, err error) {
	code := errCode(err)
	msg := err.Error()
	if code == CodeInternal {
		s.log.Error("ws operation failed", "user", s.ident.UserID, "err", err)
		msg = "internal error"
	}
	s.push(Out{Type: TypeError, ID: id, Payload: ErrorPayload{Code: code, Message: msg}})
}

// fail sends a terminal error and closes the session. Always returns false.
func (s *Session) fail(id string, err error) bool {
	s.replyErr(id, err)
	code := websocket.ClosePolicyViolation
	if !errors.Is(err, domain.ErrUnauthenticated) {
		code = websocket.CloseNormalClosure
	}
	s.closeWith(code, errCode(err), true)
	return false
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case f := <-s.send:
			if err := s.write(f); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "write failed", false)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.srv.cfg.WriteTimeout)); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "ping failed", false)
				return
			}
		case <-s.closing:
			if s.req.flush {
				s.drain()
			}
			if s.req.code != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(s.req.code, s.req.text)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.srv.cfg.WriteTimeout))
			}
			return
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case f := <-s.send:
			if s.write(f) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(f Out) error {
	data, err := gojson.Marshal(f)
	if err != nil {
		s.log.Error("ws encode failed", "type", f.Type, "err", err)
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, domain.ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, domain.ErrRoomClosed):
		return CodeRoomClosed
	case errors.Is(err, domain.ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, domain.ErrDeliveryFailed):
		return CodeDeliveryFailed
	case errors.Is(err, domain.ErrFeatureDisabled):
		return CodeFeatureDisabled
	case errors.Is(err, domain.ErrNotInRoom):
		return CodeNotInRoom
	default:
		return CodeInternal
	}
}
