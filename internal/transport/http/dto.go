package http

import (
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"

	"github.com/pion/webrtc/v3"
	"github.com/samber/lo"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type RoomConfigDTO struct {
	RecordingEnabled   bool               `json:"recording_enabled"`
	ScreenShareEnabled bool               `json:"screen_share_enabled"`
	ChatEnabled        bool               `json:"chat_enabled"`
	ICEServers         []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

type CreateRoomRequest struct {
	InterviewSessionID string         `json:"interview_session_id"`
	Config             *RoomConfigDTO `json:"config,omitempty"` // nil: настройки по умолчанию
}

type RoomItem struct {
	ID                 string             `json:"room_id"`
	InterviewSessionID string             `json:"interview_session_id"`
	Status             string             `json:"status"`
	Config             RoomConfigDTO      `json:"config"`
	ICEServers         []webrtc.ICEServer `json:"ice_servers"`
	CreatedAt          time.Time          `json:"created_at"`
	ClosedAt           *time.Time         `json:"closed_at,omitempty"`
}

type RoomsListResponse struct {
	Items      []RoomItem `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type ParticipantItem struct {
	ParticipantID string     `json:"participant_id,omitempty"`
	UserID        string     `json:"user_id"`
	DisplayName   string     `json:"display_name"`
	Role          string     `json:"role"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	Live          *bool      `json:"live,omitempty"`
}

type ParticipantsResponse struct {
	Items []ParticipantItem `json:"items"`
}

type ChatMessageItem struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Sequence    int64     `json:"sequence"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatHistoryResponse struct {
	Items []ChatMessageItem `json:"items"`
	// NextAfter: значение для следующего ?after=, пусто если страниц больше нет
	NextAfter int64 `json:"next_after,omitempty"`
}

func (c *RoomConfigDTO) toDomain() domain.RoomConfig {
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

func toRoomItem(rm domain.Room) RoomItem {
	status := "active"
	if rm.IsClosed() {
		status = "closed"
	}
	return RoomItem{
		ID:                 rm.ID,
		InterviewSessionID: rm.InterviewSessionID,
		Status:             status,
		Config: RoomConfigDTO{
			RecordingEnabled:   rm.Config.RecordingEnabled,
			ScreenShareEnabled: rm.Config.ScreenShareEnabled,
			ChatEnabled:        rm.Config.ChatEnabled,
		},
		ICEServers: lo.Ternary(rm.Config.ICEServers == nil, []webrtc.ICEServer{}, rm.Config.ICEServers),
		CreatedAt:  rm.CreatedAt,
		ClosedAt:   rm.ClosedAt,
	}
}

func toParticipantItem(p domain.Participant, _ int) ParticipantItem {
	return ParticipantItem{
		UserID:      string(p.UserID),
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		JoinedAt:    p.JoinedAt,
	}
}

func toHistoryItem(p domain.Participant, i int) ParticipantItem {
	it := toParticipantItem(p, i)
	it.ParticipantID = p.ID
	it.LeftAt = p.LeftAt
	it.Live = lo.ToPtr(p.Live)
	return it
}

func toChatItem(m domain.ChatMessage, _ int) ChatMessageItem {
	return ChatMessageItem{
		ID:          m.ID,
		RoomID:      m.RoomID,
		Sequence:    m.Seq,
		UserID:      string(m.UserID),
		DisplayName: m.DisplayName,
		Text:        m.Text,
		CreatedAt:   m.CreatedAt.Truncate(time.Millisecond),
	}
}
