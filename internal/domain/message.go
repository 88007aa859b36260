package domain

import "time"

type ChatMessage struct {
	ID          string    `db:"id"`
	RoomID      string    `db:"room_id"`
	UserID      UserID    `db:"user_id"`
	DisplayName string    `db:"display_name"`
	Text        string    `db:"text"`
	Seq         int64     `db:"seq"`
	CreatedAt   time.Time `db:"created_at"`
}
