package grpcx

import (
	"context"
	"fmt"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/storage"
	"github.com/akii1234/yogya-sub001/pkg/logger"

	"github.com/pion/webrtc/v3"
	"github.com/samber/lo"
	"google.golang.org/grpc"
)

// Rooms is the registry surface exposed to collaborators (interview scheduler,
// gateway) over gRPC.
type Rooms interface {
	Ensure(ctx context.Context, interviewSessionID string, cfg domain.RoomConfig) (*domain.Room, bool, error)
	Get(ctx context.Context, roomID string) (*domain.Room, error)
	Close(ctx context.Context, roomID string) error
	Participants(ctx context.Context, roomID string) ([]domain.Participant, error)
	ChatHistory(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.ChatMessage, error)
}

// -------- messages --------

type RoomConfig struct {
	RecordingEnabled   bool               `json:"recording_enabled"`
	ScreenShareEnabled bool               `json:"screen_share_enabled"`
	ChatEnabled        bool               `json:"chat_enabled"`
	ICEServers         []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

type Room struct {
	ID                 string     `json:"room_id"`
	InterviewSessionID string     `json:"interview_session_id"`
	Status             string     `json:"status"`
	Config             RoomConfig `json:"config"`
	CreatedAt          time.Time  `json:"created_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

type CreateRoomRequest struct {
	InterviewSessionID string      `json:"interview_session_id"`
	Config             *RoomConfig `json:"config,omitempty"`
}

type CreateRoomResponse struct {
	Room    Room `json:"room"`
	Created bool `json:"created"`
}

type RoomRequest struct {
	RoomID string `json:"room_id"`
}

type RoomResponse struct {
	Room Room `json:"room"`
}

type CloseRoomResponse struct {
	RoomID string `json:"room_id"`
	Status string `json:"status"`
}

type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

type ListParticipantsResponse struct {
	Items []Participant `json:"items"`
}

type ChatHistoryRequest struct {
	RoomID string `json:"room_id"`
	After  int64  `json:"after"`
	Limit  int    `json:"limit"`
}

type ChatMessage struct {
	ID          string    `json:"id"`
	Sequence    int64     `json:"sequence"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatHistoryResponse struct {
	Items     []ChatMessage `json:"items"`
	NextAfter int64         `json:"next_after,omitempty"`
}

// -------- mapping --------

func (c *RoomConfig) toDomain() domain.RoomConfig {
	if c == nil {
		return domain.DefaultRoomConfig()
	}
	return domain.RoomConfig{
		RecordingEnabled:   c.RecordingEnabled,
		ScreenShareEnabled: c.ScreenShareEnabled,
		ChatEnabled:        c.ChatEnabled,
		ICEServers:         c.ICEServers,
	}
}

func mapRoom(r *domain.Room) Room {
	return Room{
		ID:                 r.ID,
		InterviewSessionID: r.InterviewSessionID,
		Status:             string(r.Status),
		Config: RoomConfig{
			RecordingEnabled:   r.Config.RecordingEnabled,
			ScreenShareEnabled: r.Config.ScreenShareEnabled,
			ChatEnabled:        r.Config.ChatEnabled,
			ICEServers:         r.Config.ICEServers,
		},
		CreatedAt: r.CreatedAt,
		ClosedAt:  r.ClosedAt,
	}
}

func mapParticipant(p domain.Participant, _ int) Participant {
	return Participant{
		UserID:      string(p.UserID),
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		JoinedAt:    p.JoinedAt,
	}
}

func mapChat(m domain.ChatMessage, _ int) ChatMessage {
	return ChatMessage{
		ID:          m.ID,
		Sequence:    m.Seq,
		UserID:      string(m.UserID),
		DisplayName: m.DisplayName,
		Text:        m.Text,
		CreatedAt:   m.CreatedAt,
	}
}

// -------- service --------

type CoordinatorServer interface {
	CreateRoom(context.Context, *CreateRoomRequest) (*CreateRoomResponse, error)
	GetRoom(context.Context, *RoomRequest) (*RoomResponse, error)
	CloseRoom(context.Context, *RoomRequest) (*CloseRoomResponse, error)
	ListParticipants(context.Context, *RoomRequest) (*ListParticipantsResponse, error)
	GetChatHistory(context.Context, *ChatHistoryRequest) (*ChatHistoryResponse, error)
}

type Coordinator struct {
	rooms Rooms
}

func NewCoordinator(rooms Rooms) *Coordinator {
	return &Coordinator{rooms: rooms}
}

func (s *Coordinator) CreateRoom(ctx context.Context, in *CreateRoomRequest) (*CreateRoomResponse, error) {
	room, created, err := s.rooms.Ensure(ctx, in.InterviewSessionID, in.Config.toDomain())
	if err != nil {
		return nil, mapErr(err)
	}
	if created {
		logger.From(ctx).Info("grpc room created", "room", room.ID, "user", IdentityFromCtx(ctx).UserID)
	}
	return &CreateRoomResponse{Room: mapRoom(room), Created: created}, nil
}

func (s *Coordinator) GetRoom(ctx context.Context, in *RoomRequest) (*RoomResponse, error) {
	room, err := s.rooms.Get(ctx, in.RoomID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &RoomResponse{Room: mapRoom(room)}, nil
}

func (s *Coordinator) CloseRoom(ctx context.Context, in *RoomRequest) (*CloseRoomResponse, error) {
	if err := s.rooms.Close(ctx, in.RoomID); err != nil {
		return nil, mapErr(err)
	}
	logger.From(ctx).Info("grpc room closed", "room", in.RoomID, "user", IdentityFromCtx(ctx).UserID)
	return &CloseRoomResponse{RoomID: in.RoomID, Status: string(domain.RoomClosed)}, nil
}

func (s *Coordinator) ListParticipants(ctx context.Context, in *RoomRequest) (*ListParticipantsResponse, error) {
	items, err := s.rooms.Participants(ctx, in.RoomID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &ListParticipantsResponse{Items: lo.Map(items, mapParticipant)}, nil
}

func (s *Coordinator) GetChatHistory(ctx context.Context, in *ChatHistoryRequest) (*ChatHistoryResponse, error) {
	if in.After < 0 {
		return nil, mapErr(fmt.Errorf("%w: after must not be negative", domain.ErrInvalidMessage))
	}
	limit := storage.ClampLimit(in.Limit)
	items, err := s.rooms.ChatHistory(ctx, in.RoomID, in.After, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	out := &ChatHistoryResponse{Items: lo.Map(items, mapChat)}
	if len(items) == limit {
		out.NextAfter = items[len(items)-1].Seq
	}
	return out, nil
}

// -------- registration --------

func unaryMethod[Req, Resp any](name string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*Req))
			})
		},
	}
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateRoom", CoordinatorServer.CreateRoom),
		unaryMethod("GetRoom", CoordinatorServer.GetRoom),
		unaryMethod("CloseRoom", CoordinatorServer.CloseRoom),
		unaryMethod("ListParticipants", CoordinatorServer.ListParticipants),
		unaryMethod("GetChatHistory", CoordinatorServer.GetChatHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator/v1/coordinator",
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

// -------- client --------

// CoordinatorClient calls the service with the json codec.
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *CoordinatorClient, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CoordinatorClient) CreateRoom(ctx context.Context, in *CreateRoomRequest, opts ...grpc.CallOption) (*CreateRoomResponse, error) {
	return invoke[CreateRoomResponse](ctx, c, "CreateRoom", in, opts)
}

func (c *CoordinatorClient) GetRoom(ctx context.Context, in *RoomRequest, opts ...grpc.CallOption) (*RoomResponse, error) {
	return invoke[RoomResponse](ctx, c, "GetRoom", in, opts)
}

func (c *CoordinatorClient) CloseRoom(ctx context.Context, in *RoomRequest, opts ...grpc.CallOption) (*CloseRoomResponse, error) {
	return invoke[CloseRoomResponse](ctx, c, "CloseRoom", in, opts)
}

func (c *CoordinatorClient) ListParticipants(ctx context.Context, in *RoomRequest, opts ...grpc.CallOption) (*ListParticipantsResponse, error) {
	return invoke[ListParticipantsResponse](ctx, c, "ListParticipants", in, opts)
}

func (c *CoordinatorClient) GetChatHistory(ctx context.Context, in *ChatHistoryRequest, opts ...grpc.CallOption) (*ChatHistoryResponse, error) {
	return invoke[ChatHistoryResponse](ctx, c, "GetChatHistory", in, opts)
}
