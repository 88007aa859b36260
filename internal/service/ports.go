package service

import (
	"context"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"

	"github.com/pion/webrtc/v3"
)

// Peer is the room's handle on one live connection.
type Peer interface {
	ConnID() string
	// Deliver enqueues ev without blocking. false means the connection is gone
	// or could not keep up.
	Deliver(ev domain.Event) bool
	// Evict closes the connection. Must not call back into the room synchronously.
	Evict(reason string)
}

type RoomStore interface {
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	CloseRoom(ctx context.Context, id string, at time.Time) error
	ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error)
	// CloseStaleRooms closes rooms a previous process left active.
	CloseStaleRooms(ctx context.Context, at time.Time) (int, error)
}

type ParticipantStore interface {
	SaveParticipant(ctx context.Context, p *domain.Participant) error
	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
}

type ChatStore interface {
	SaveMessage(ctx context.Context, m *domain.ChatMessage) error
	History(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.ChatMessage, error)
}

// Eviction and close reasons carried in participant_left / room_closed.
const (
	ReasonLeft         = "left"
	ReasonSuperseded   = "superseded"
	ReasonRoomClosed   = "room_closed"
	ReasonClosed       = "closed"
	ReasonEmpty        = "empty"
	ReasonIdle         = "idle"
	ReasonShutdown     = "shutdown"
	ReasonSlowConsumer = "slow_consumer"
)

type RelayResult struct {
	Delivered int
	Failed    int
}

type Options struct {
	DefaultICEServers []webrtc.ICEServer
	// IdleTimeout closes a room nobody ever joined.
	IdleTimeout time.Duration
	// EmptyGrace keeps a room open after its last participant left. 0 closes at once.
	EmptyGrace    time.Duration
	MaxChatLength int
	StoreTimeout  time.Duration
}

// DefaultICEServer is used when neither the request nor the options name any.
const DefaultICEServer = "stun:stun.l.google.com:19302"

const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultMaxChatLength = 4000
	defaultStoreTimeout  = 5 * time.Second
)

func (o *Options) setDefaults() {
	if len(o.DefaultICEServers) == 0 {
		o.DefaultICEServers = []webrtc.ICEServer{{URLs: []string{DefaultICEServer}}}
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.EmptyGrace < 0 {
		o.EmptyGrace = 0
	}
	if o.MaxChatLength <= 0 {
		o.MaxChatLength = defaultMaxChatLength
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
}
