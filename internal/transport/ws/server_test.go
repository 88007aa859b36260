package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/metrics"
	"github.com/akii1234/yogya-sub001/internal/security"
	"github.com/akii1234/yogya-sub001/internal/service"
	"github.com/akii1234/yogya-sub001/internal/storage/memory"

	"github.com/go-chi/chi/v5"
	gojson "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testSecret = []byte("test-secret")

type env struct {
	reg     *service.Registry
	srv     *Server
	ts      *httptest.Server
	metrics *metrics.Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	reg := service.NewRegistry(store, store, store, m, service.Options{})

	verifier, err := security.NewTokenVerifier(security.VerifierConfig{Alg: security.AlgHS256, Secret: testSecret})
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	srv := NewServer(reg, verifier, m, Config{
		AuthTimeout:  300 * time.Millisecond,
		PingInterval: time.Second,
		SendQueue:    32,
	})

	r := chi.NewRouter()
	r.Get("/ws", srv.HandleWS)
	r.Get("/ws/rooms/{id}", srv.HandleWS)
	ts := httptest.NewServer(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = reg.Shutdown(ctx)
	})
	return &env{reg: reg, srv: srv, ts: ts, metrics: m}
}

func token(t *testing.T, sub, name string) string {
	t.Helper()
	claims := security.AccessClaims{
		StandardClaims: jwt.StandardClaims{Subject: sub, ExpiresAt: time.Now().Add(time.Hour).Unix()},
		Name:           name,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func (e *env) room(t *testing.T) string {
	t.Helper()
	rm, err := e.reg.CreateOrGet(context.Background(), "session-"+t.Name(), domain.DefaultRoomConfig())
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	return rm.ID
}

func (e *env) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, resp, err
}

func (e *env) joinAs(t *testing.T, roomID, sub, role string) *websocket.Conn {
	t.Helper()
	c, _, err := e.dial(t, "/ws/rooms/"+roomID+"?role="+role+"&access_token="+token(t, sub, strings.ToUpper(sub)))
	if err != nil {
		t.Fatalf("dial %s: %v", sub, err)
	}
	read(t, c, TypeJoined)
	return c
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, c *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	data, err := gojson.Marshal(Out{Type: typ, ID: id, Payload: payload})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// read returns the next frame of type typ, skipping others.
func read(t *testing.T, c *websocket.Conn, typ string) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.SetReadDeadline(deadline)
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var f frame
		if err := gojson.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func payload[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	if err := gojson.Unmarshal(f.Payload, &v); err != nil {
		t.Fatalf("payload of %s: %v", f.Type, err)
	}
	return v
}

// closed reads until the server closes the socket and returns the close error.
func closed(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce
			}
			return nil
		}
	}
}

func TestHandshake_RejectsInvalidToken(t *testing.T) {
	e := newEnv(t)
	_, resp, err := e.dial(t, "/ws?access_token=garbage")
	if err == nil {
		t.Fatal("dial must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if got := testutil.ToFloat64(e.metrics.AuthFailures); got != 1 {
		t.Fatalf("auth failures = %v", got)
	}
}

func TestHandshake_RejectsUnknownRole(t *testing.T) {
	e := newEnv(t)
	_, resp, err := e.dial(t, "/ws/rooms/"+e.room(t)+"?role=hacker&access_token="+token(t, "ivan", ""))
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got err=%v resp=%+v", err, resp)
	}
}

func TestAuthenticateFrameThenJoin(t *testing.T) {
	e := newEnv(t)
	roomID := e.room(t)

	c, _, err := e.dial(t, "/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, c, TypeAuthenticate, "a1", AuthenticatePayload{Token: token(t, "ivan", "Ivan")})
	ack := read(t, c, TypeAck)
	if ack.ID != "a1" || payload[AckPayload](t, ack).UserID != "ivan" {
		t.Fatalf("unexpected auth ack: %+v", ack)
	}

	send(t, c, TypeJoinRoom, "j1", JoinRoomPayload{RoomID: roomID, Role: "interviewer"})
	joined := payload[JoinedPayload](t, read(t, c, TypeJoined))
	if joined.RoomID != roomID || joined.ParticipantID == "" {
		t.Fatalf("bad joined: %+v", joined)
	}
	if len(joined.Participants) != 1 || joined.Participants[0].UserID != "ivan" || joined.Participants[0].DisplayName != "Ivan" {
		t.Fatalf("snapshot: %+v", joined.Participants)
	}
	if len(joined.ICEServers) == 0 || !joined.Config.ChatEnabled {
		t.Fatalf("room config missing: %+v", joined)
	}
	if ack := read(t, c, TypeAck); ack.ID != "j1" {
		t.Fatalf("join ack id = %q", ack.ID)
	}

	send(t, c, TypeJoinRoom, "j2", JoinRoomPayload{RoomID: roomID, Role: "interviewer"})
	errf := read(t, c, TypeError)
	if errf.ID != "j2" || payload[ErrorPayload](t, errf).Code != CodeInvalidMessage {
		t.Fatalf("second join must be rejected: %s", errf.Payload)
	}
}

func TestAuthTimeoutClosesConnection(t *testing.T) {
	e := newEnv(t)
	c, _, err := e.dial(t, "/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	errf := read(t, c, TypeError)
	if code := payload[ErrorPayload](t, errf).Code; code != CodeUnauthenticated {
		t.Fatalf("code = %q", code)
	}
	ce := closed(t, c)
	if ce == nil || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %+v", ce)
	}
}

func TestFrameBeforeAuthenticateCloses(t *testing.T) {
	e := newEnv(t)
	c, _, err := e.dial(t, "/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, c, TypeSendChat, "x", SendChatPayload{Text: "hi"})
	if code := payload[ErrorPayload](t, read(t, c, TypeError)).Code; code != CodeUnauthenticated {
		t.Fatalf("code = %q", code)
	}
	if ce := closed(t, c); ce == nil {
		t.Fatal("connection must be closed")
	}
}

func TestJoinUnknownRoomClosesSession(t *testing.T) {
	e := newEnv(t)
	c, _, err := e.dial(t, "/ws/rooms/nope?role=candidate&access_token="+token(t, "cora", ""))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if code := payload[ErrorPayload](t, read(t, c, TypeError)).Code; code != CodeRoomNotFound {
		t.Fatalf("code = %q", code)
	}
	if ce := closed(t, c); ce == nil || ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("close = %+v", ce)
	}
	if n := e.srv.Sessions(); n != 0 {
		// finish может ещё не отработать
		time.Sleep(50 * time.Millisecond)
		if n = e.srv.Sessions(); n != 0 {
			t.Fatalf("sessions left: %d", n)
		}
	}
}

func TestScenario_InterviewOverWebSocket(t *testing.T) {
	e := newEnv(t)
	roomID := e.room(t)

	iv := e.joinAs(t, roomID, "ivan", "interviewer")
	cd := e.joinAs(t, roomID, "cora", "candidate")

	pj := payload[PresencePayload](t, read(t, iv, TypeParticipantJoined))
	if pj.Participant.UserID != "cora" || pj.Participant.Role != "candidate" {
		t.Fatalf("participant_joined: %+v", pj)
	}

	send(t, cd, TypeSendChat, "c1", SendChatPayload{Text: "hello"})
	for _, c := range []*websocket.Conn{iv, cd} {
		msg := payload[ChatMessagePayload](t, read(t, c, TypeChatMessage))
		if msg.Sequence != 1 || msg.Text != "hello" || msg.UserID != "cora" {
			t.Fatalf("chat_message: %+v", msg)
		}
	}
	ack := read(t, cd, TypeAck)
	if ack.ID != "c1" || payload[AckPayload](t, ack).Sequence != 1 {
		t.Fatalf("chat ack: %s", ack.Payload)
	}

	send(t, iv, TypeSendSignal, "s1", SendSignalPayload{Target: "cora", Kind: "offer", Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	sig := payload[SignalPayload](t, read(t, cd, TypeSignal))
	if sig.From != "ivan" || sig.Kind != "offer" || string(sig.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("signal: %+v", sig)
	}
	if d := payload[AckPayload](t, read(t, iv, TypeAck)).Delivered; d == nil || *d != 1 {
		t.Fatalf("signal ack delivered = %v", d)
	}

	_ = cd.Close()
	left := payload[PresencePayload](t, read(t, iv, TypeParticipantLeft))
	if left.Participant.UserID != "cora" || left.Reason != service.ReasonLeft {
		t.Fatalf("participant_left: %+v", left)
	}

	rm, err := e.reg.Get(context.Background(), roomID)
	if err != nil || rm.IsClosed() {
		t.Fatalf("room must stay open while ivan is in: %+v %v", rm, err)
	}

	send(t, iv, TypeLeaveRoom, "l1", struct{}{})
	if ack := read(t, iv, TypeAck); ack.ID != "l1" {
		t.Fatalf("leave ack: %+v", ack)
	}
	rm, err = e.reg.Get(context.Background(), roomID)
	if err != nil || !rm.IsClosed() {
		t.Fatalf("room must be closed after the last leave: %+v %v", rm, err)
	}
}

func TestRelayToAbsentTargetNacks(t *testing.T) {
	e := newEnv(t)
	roomID := e.room(t)
	iv := e.joinAs(t, roomID, "ivan", "interviewer")

	send(t, iv, TypeSendSignal, "s1", SendSignalPayload{Target: "ghost", Kind: "offer", Payload: json.RawMessage(`{}`)})
	errf := read(t, iv, TypeError)
	if errf.ID != "s1" || payload[ErrorPayload](t, errf).Code != CodeDeliveryFailed {
		t.Fatalf("expected delivery_failed: %s", errf.Payload)
	}

	send(t, iv, TypeSendSignal, "s2", SendSignalPayload{Target: "ghost", Kind: "bogus", Payload: json.RawMessage(`{}`)})
	if code := payload[ErrorPayload](t, read(t, iv, TypeError)).Code; code != CodeInvalidMessage {
		t.Fatalf("code = %q", code)
	}

	// сессия жива
	send(t, iv, TypePing, "p1", nil)
	if pong := read(t, iv, TypePong); pong.ID != "p1" {
		t.Fatalf("pong id = %q", pong.ID)
	}
}

func TestListParticipantsAndNotInRoom(t *testing.T) {
	e := newEnv(t)
	roomID := e.room(t)
	iv := e.joinAs(t, roomID, "ivan", "interviewer")
	e.joinAs(t, roomID, "olga", "observer")

	send(t, iv, TypeListParticipants, "lp", nil)
	ack := payload[AckPayload](t, read(t, iv, TypeAck))
	if len(ack.Participants) != 2 {
		t.Fatalf("participants: %+v", ack.Participants)
	}

	c, _, err := e.dial(t, "/ws?access_token="+token(t, "nobody", ""))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, c, TypeSendChat, "x", SendChatPayload{Text: "hi"})
	if code := payload[ErrorPayload](t, read(t, c, TypeError)).Code; code != CodeNotInRoom {
		t.Fatalf("code = %q", code)
	}
}

func TestRejoinSupersedesOldConnection(t *testing.T) {
	e := newEnv(t)
	roomID := e.room(t)
	old := e.joinAs(t, roomID, "cora", "candidate")
	fresh := e.joinAs(t, roomID, "cora", "candidate")

	ce := closed(t, old)
	if ce == nil || ce.Text != service.ReasonSuperseded {
		t.Fatalf("old connection close = %+v", ce)
	}

	send(t, fresh, TypeListParticipants, "lp", nil)
	parts := payload[AckPayload](t, read(t, fresh, TypeAck)).Participants
	if len(parts) != 1 || parts[0].UserID != "cora" {
		t.Fatalf("exactly one live entry expected: %+v", parts)
	}
}

func TestRoomCloseEvictsSessions(t *testing.T) {
	e := newEnv(t)
	roomID := e.room(t)
	iv := e.joinAs(t, roomID, "ivan", "interviewer")

	if err := e.reg.Close(context.Background(), roomID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rc := payload[RoomClosedPayload](t, read(t, iv, TypeRoomClosed))
	if rc.RoomID != roomID {
		t.Fatalf("room_closed: %+v", rc)
	}
	if ce := closed(t, iv); ce == nil || ce.Text != service.ReasonRoomClosed {
		t.Fatalf("close = %+v", ce)
	}

	c, _, err := e.dial(t, "/ws/rooms/"+roomID+"?role=candidate&access_token="+token(t, "cora", ""))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if code := payload[ErrorPayload](t, read(t, c, TypeError)).Code; code != CodeRoomClosed {
		t.Fatalf("join into closed room: %q", code)
	}
}

func TestDeliver_FullQueueEvictsSlowConsumer(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	srv := NewServer(nil, nil, m, Config{SendQueue: 1})
	sess := newSession("c1", nil, srv, slog.Default())

	ev := domain.Event{Type: domain.EventRoomClosed, RoomID: "r1"}
	if !sess.Deliver(ev) {
		t.Fatal("first event must fit")
	}
	if sess.Deliver(ev) {
		t.Fatal("second event must overflow")
	}
	if sess.State() != StateClosed || sess.req.text != service.ReasonSlowConsumer || sess.req.flush {
		t.Fatalf("session must be evicted without flush: %v %+v", sess.State(), sess.req)
	}
	if got := testutil.ToFloat64(m.SessionsEvicted.WithLabelValues(service.ReasonSlowConsumer)); got != 1 {
		t.Fatalf("evicted metric = %v", got)
	}
	if sess.Deliver(ev) {
		t.Fatal("closed session accepts nothing")
	}
}

func TestErrCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrUnauthenticated, CodeUnauthenticated},
		{domain.ErrRoomNotFound, CodeRoomNotFound},
		{domain.ErrRoomClosed, CodeRoomClosed},
		{domain.ErrInvalidMessage, CodeInvalidMessage},
		{domain.ErrDeliveryFailed, CodeDeliveryFailed},
		{domain.ErrFeatureDisabled, CodeFeatureDisabled},
		{domain.ErrNotInRoom, CodeNotInRoom},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		wrapped := errors.Join(errors.New("ctx"), tt.err)
		if got := errCode(wrapped); got != tt.want {
			t.Errorf("errCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := NewServer(nil, nil, nil, Config{AllowedOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !srv.checkOrigin(req) {
		t.Fatal("no Origin header must pass")
	}
	req.Header.Set("Origin", "https://APP.example.com")
	if !srv.checkOrigin(req) {
		t.Fatal("origin match is case-insensitive")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if srv.checkOrigin(req) {
		t.Fatal("foreign origin must be rejected")
	}
}
