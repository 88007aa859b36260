package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomClosed RoomStatus = "closed"
)

type RoomConfig struct {
	RecordingEnabled   bool
	ScreenShareEnabled bool
	ChatEnabled        bool
	ICEServers         []webrtc.ICEServer
}

// DefaultRoomConfig: чат и демонстрация экрана включены, запись выключена.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		ScreenShareEnabled: true,
		ChatEnabled:        true,
	}
}

func (c RoomConfig) Clone() RoomConfig {
	out := c
	if c.ICEServers != nil {
		out.ICEServers = make([]webrtc.ICEServer, len(c.ICEServers))
		for i, s := range c.ICEServers {
			s.URLs = append([]string(nil), s.URLs...)
			out.ICEServers[i] = s
		}
	}
	return out
}

type Room struct {
	ID                 string     `db:"id"`
	InterviewSessionID string     `db:"interview_session_id"`
	Config             RoomConfig `db:"-"`
	Status             RoomStatus `db:"status"`
	CreatedAt          time.Time  `db:"created_at"`
	ClosedAt           *time.Time `db:"closed_at"`
}

func (r *Room) IsClosed() bool { return r.Status == RoomClosed }
