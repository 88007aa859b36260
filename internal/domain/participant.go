package domain

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
	RoleObserver    Role = "observer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleInterviewer, RoleCandidate, RoleObserver:
		return true
	}
	return false
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, s)
	}
	return r, nil
}

// Participant is one presence record. Records are never removed: leaving
// only flips Live and sets LeftAt.
type Participant struct {
	ID          string     `db:"id"`
	RoomID      string     `db:"room_id"`
	UserID      UserID     `db:"user_id"`
	DisplayName string     `db:"display_name"`
	Role        Role       `db:"role"`
	ConnID      string     `db:"conn_id"`
	JoinedAt    time.Time  `db:"joined_at"`
	LeftAt      *time.Time `db:"left_at"`
	Live        bool       `db:"live"`
}
