package postgres

import (
	"context"

	"github.com/akii1234/yogya-sub001/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ParticipantRepository struct {
	db *pgxpool.Pool
}

func NewParticipantRepository(db *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// SaveParticipant делает upsert по id: при уходе обновляются только left_at и live.
func (r *ParticipantRepository) SaveParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := r.db.Exec(ctx, qUpsertParticipant,
		p.ID, p.RoomID, string(p.UserID), p.DisplayName, string(p.Role), p.ConnID,
		p.JoinedAt, p.LeftAt, p.Live)
	return err
}

func (r *ParticipantRepository) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := r.db.Query(ctx, qListParticipants, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.Participant
	for rows.Next() {
		var (
			p      domain.Participant
			userID string
			role   string
		)
		if err := rows.Scan(&p.ID, &p.RoomID, &userID, &p.DisplayName, &role, &p.ConnID, &p.JoinedAt, &p.LeftAt, &p.Live); err != nil {
			return nil, err
		}
		p.UserID = domain.UserID(userID)
		p.Role = domain.Role(role)
		list = append(list, p)
	}
	return list, rows.Err()
}
