package ws

import (
	"encoding/json"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"

	gojson "github.com/goccy/go-json"
	"github.com/pion/webrtc/v3"
)

// Входящие кадры
const (
	TypeAuthenticate     = "authenticate"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeSendSignal       = "send_signal"
	TypeSendChat         = "send_chat"
	TypeListParticipants = "list_participants"
	TypePing             = "ping"
)

// Исходящие кадры
const (
	TypeJoined            = "joined"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeSignal            = "signal"
	TypeChatMessage       = "chat_message"
	TypeAck               = "ack"
	TypeError             = "error"
	TypePong              = "pong"
	TypeRoomClosed        = "room_closed"
)

// Error codes sent in error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeRoomNotFound    = "room_not_found"
	CodeRoomClosed      = "room_closed"
	CodeInvalidMessage  = "invalid_message"
	CodeDeliveryFailed  = "delivery_failed"
	CodeFeatureDisabled = "feature_disabled"
	CodeNotInRoom       = "not_in_room"
	CodeInternal        = "internal"
)

// In is a client frame. Payload is decoded in a second pass by type.
type In struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Out struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
}

type SendSignalPayload struct {
	Target      string          `json:"target"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ScreenShare bool            `json:"screen_share,omitempty"`
}

type SendChatPayload struct {
	Text string `json:"text"`
}

type ParticipantItem struct {
	ParticipantID string    `json:"participant_id"`
	UserID        string    `json:"user_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Role          string    `json:"role"`
	JoinedAt      time.Time `json:"joined_at"`
}

type RoomConfigPayload struct {
	RecordingEnabled   bool `json:"recording_enabled"`
	ScreenShareEnabled bool `json:"screen_share_enabled"`
	ChatEnabled        bool `json:"chat_enabled"`
}

type JoinedPayload struct {
	RoomID        string             `json:"room_id"`
	ParticipantID string             `json:"participant_id"`
	Config        RoomConfigPayload  `json:"config"`
	ICEServers    []webrtc.ICEServer `json:"ice_servers"`
	Participants  []ParticipantItem  `json:"participants"`
}

type PresencePayload struct {
	RoomID      string          `json:"room_id"`
	Participant ParticipantItem `json:"participant"`
	Reason      string          `json:"reason,omitempty"`
}

type SignalPayload struct {
	RoomID      string          `json:"room_id"`
	From        string          `json:"from"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ScreenShare bool            `json:"screen_share,omitempty"`
}

type ChatMessagePayload struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Text        string    `json:"text"`
}

type RoomClosedPayload struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// AckPayload: поля заполняются в зависимости от подтверждаемой операции.
type AckPayload struct {
	UserID       string            `json:"user_id,omitempty"`
	RoomID       string            `json:"room_id,omitempty"`
	Sequence     int64             `json:"sequence,omitempty"`
	Timestamp    *time.Time        `json:"timestamp,omitempty"`
	Delivered    *int              `json:"delivered,omitempty"`
	Participants []ParticipantItem `json:"participants,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return gojson.Unmarshal(raw, dst)
}

func participantItem(p domain.Participant) ParticipantItem {
	return ParticipantItem{
		ParticipantID: p.ID,
		UserID:        string(p.UserID),
		DisplayName:   p.DisplayName,
		Role:          string(p.Role),
		JoinedAt:      p.JoinedAt,
	}
}

func participantItems(ps []domain.Participant) []ParticipantItem {
	out := make([]ParticipantItem, 0, len(ps))
	for _, p := range ps {
		out = append(out, participantItem(p))
	}
	return out
}

func chatPayload(m *domain.ChatMessage) ChatMessagePayload {
	return ChatMessagePayload{
		ID:          m.ID,
		RoomID:      m.RoomID,
		Sequence:    m.Seq,
		Timestamp:   m.CreatedAt,
		UserID:      string(m.UserID),
		DisplayName: m.DisplayName,
		Text:        m.Text,
	}
}

// eventFrame maps a room event onto its outbound frame.
func eventFrame(ev domain.Event) (Out, bool) {
	switch ev.Type {
	case domain.EventJoined:
		if ev.Joined == nil {
			return Out{}, false
		}
		j := ev.Joined
		return Out{Type: TypeJoined, Payload: JoinedPayload{
			RoomID:        j.Room.ID,
			ParticipantID: j.Self.ID,
			Config: RoomConfigPayload{
				RecordingEnabled:   j.Room.Config.RecordingEnabled,
				ScreenShareEnabled: j.Room.Config.ScreenShareEnabled,
				ChatEnabled:        j.Room.Config.ChatEnabled,
			},
			ICEServers:   j.Room.Config.ICEServers,
			Participants: participantItems(j.Participants),
		}}, true
	case domain.EventParticipantJoined, domain.EventParticipantLeft:
		if ev.Participant == nil {
			return Out{}, false
		}
		t := TypeParticipantJoined
		if ev.Type == domain.EventParticipantLeft {
			t = TypeParticipantLeft
		}
		return Out{Type: t, Payload: PresencePayload{
			RoomID:      ev.RoomID,
			Participant: participantItem(*ev.Participant),
			Reason:      ev.Reason,
		}}, true
	case domain.EventSignal:
		if ev.Signal == nil {
			return Out{}, false
		}
		return Out{Type: TypeSignal, Payload: SignalPayload{
			RoomID:      ev.RoomID,
			From:        string(ev.Signal.From),
			Kind:        string(ev.Signal.Kind),
			Payload:     ev.Signal.Payload,
			ScreenShare: ev.Signal.ScreenShare,
		}}, true
	case domain.EventChatMessage:
		if ev.Chat == nil {
			return Out{}, false
		}
		return Out{Type: TypeChatMessage, Payload: chatPayload(ev.Chat)}, true
	case domain.EventRoomClosed:
		return Out{Type: TypeRoomClosed, Payload: RoomClosedPayload{RoomID: ev.RoomID, Reason: ev.Reason}}, true
	}
	return Out{}, false
}
