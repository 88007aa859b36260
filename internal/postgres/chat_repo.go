package postgres

import (
	"context"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/storage"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	db *pgxpool.Pool
}

func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

// SaveMessage пишет сообщение с уже назначенным seq; (room_id, seq) уникален.
func (r *ChatRepository) SaveMessage(ctx context.Context, m *domain.ChatMessage) error {
	_, err := r.db.Exec(ctx, qInsertMessage,
		m.ID, m.RoomID, string(m.UserID), m.DisplayName, m.Text, m.Seq, m.CreatedAt)
	return err
}

// History возвращает сообщения с seq > afterSeq по возрастанию.
func (r *ChatRepository) History(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.ChatMessage, error) {
	rows, err := r.db.Query(ctx, qChatHistory, roomID, afterSeq, storage.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var (
			m      domain.ChatMessage
			userID string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &userID, &m.DisplayName, &m.Text, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.UserID = domain.UserID(userID)
		out = append(out, m)
	}
	return out, rows.Err()
}
