package grpcx

import (
	"context"
	"testing"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/service"
	"github.com/akii1234/yogya-sub001/internal/storage/memory"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type nopPeer string

func (p nopPeer) ConnID() string          { return string(p) }
func (nopPeer) Deliver(domain.Event) bool { return true }
func (nopPeer) Evict(string)              {}

func TestCoordinatorService(t *testing.T) {
	ivan := domain.Identity{UserID: "ivan", DisplayName: "Ivan"}
	store := memory.New()
	reg := service.NewRegistry(store, store, store, nil, service.Options{})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	_, conn := startServer(t, stubVerifier{"good": ivan}, reg)
	client := NewCoordinatorClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.CreateRoom(ctx, &CreateRoomRequest{InterviewSessionID: "s1"}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("call without token: %v, want Unauthenticated", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer good")

	created, err := client.CreateRoom(authed, &CreateRoomRequest{InterviewSessionID: "s1"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if !created.Created || created.Room.Status != "active" || len(created.Room.Config.ICEServers) != 1 {
		t.Fatalf("unexpected create response %+v", created)
	}
	again, err := client.CreateRoom(authed, &CreateRoomRequest{InterviewSessionID: "s1"})
	if err != nil || again.Created || again.Room.ID != created.Room.ID {
		t.Fatalf("second CreateRoom must return the same room: %+v %v", again, err)
	}
	if _, err := client.CreateRoom(authed, &CreateRoomRequest{InterviewSessionID: " "}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty session: %v, want InvalidArgument", err)
	}

	roomID := created.Room.ID
	if _, err := client.GetRoom(authed, &RoomRequest{RoomID: "nope"}); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown room: %v, want NotFound", err)
	}

	if _, err := reg.Join(ctx, roomID, ivan, domain.RoleInterviewer, nopPeer("c1")); err != nil {
		t.Fatalf("Join: %v", err)
	}
	parts, err := client.ListParticipants(authed, &RoomRequest{RoomID: roomID})
	if err != nil || len(parts.Items) != 1 || parts.Items[0].UserID != "ivan" || parts.Items[0].Role != "interviewer" {
		t.Fatalf("ListParticipants: %+v %v", parts, err)
	}

	for _, text := range []string{"hello", "world"} {
		if _, err := reg.SendChat(ctx, roomID, "c1", text); err != nil {
			t.Fatalf("SendChat: %v", err)
		}
	}
	page, err := client.GetChatHistory(authed, &ChatHistoryRequest{RoomID: roomID, Limit: 1})
	if err != nil || len(page.Items) != 1 || page.Items[0].Text != "hello" || page.NextAfter != 1 {
		t.Fatalf("first chat page: %+v %v", page, err)
	}
	page, err = client.GetChatHistory(authed, &ChatHistoryRequest{RoomID: roomID, After: page.NextAfter})
	if err != nil || len(page.Items) != 1 || page.Items[0].Sequence != 2 || page.NextAfter != 0 {
		t.Fatalf("second chat page: %+v %v", page, err)
	}
	if _, err := client.GetChatHistory(authed, &ChatHistoryRequest{RoomID: roomID, After: -1}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("negative after: %v, want InvalidArgument", err)
	}

	closed, err := client.CloseRoom(authed, &RoomRequest{RoomID: roomID})
	if err != nil || closed.Status != "closed" {
		t.Fatalf("CloseRoom: %+v %v", closed, err)
	}
	got, err := client.GetRoom(authed, &RoomRequest{RoomID: roomID})
	if err != nil || got.Room.Status != "closed" || got.Room.ClosedAt == nil {
		t.Fatalf("GetRoom after close: %+v %v", got, err)
	}
	if _, err := reg.Join(ctx, roomID, ivan, domain.RoleInterviewer, nopPeer("c2")); status.Code(mapErr(err)) != codes.FailedPrecondition {
		t.Fatalf("join closed room maps to %v", status.Code(mapErr(err)))
	}
}
