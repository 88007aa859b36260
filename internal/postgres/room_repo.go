package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pion/webrtc/v3"
)

type RoomRepository struct {
	db *pgxpool.Pool
}

func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

func (r *RoomRepository) CreateRoom(ctx context.Context, room *domain.Room) error {
	servers := room.Config.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	ice, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("marshal ice servers: %w", err)
	}

	_, err = r.db.Exec(ctx, qInsertRoom,
		room.ID, room.InterviewSessionID, string(room.Status),
		room.Config.RecordingEnabled, room.Config.ScreenShareEnabled, room.Config.ChatEnabled,
		string(ice), room.CreatedAt)
	return err
}

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var (
		rm     domain.Room
		status string
		ice    []byte
	)
	if err := row.Scan(&rm.ID, &rm.InterviewSessionID, &status,
		&rm.Config.RecordingEnabled, &rm.Config.ScreenShareEnabled, &rm.Config.ChatEnabled,
		&ice, &rm.CreatedAt, &rm.ClosedAt); err != nil {
		return nil, err
	}
	rm.Status = domain.RoomStatus(status)
	if err := json.Unmarshal(ice, &rm.Config.ICEServers); err != nil {
		return nil, fmt.Errorf("decode ice servers of room %s: %w", rm.ID, err)
	}
	return &rm, nil
}

func (r *RoomRepository) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	rm, err := scanRoom(r.db.QueryRow(ctx, qSelectRoom, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	return rm, nil
}

func (r *RoomRepository) CloseRoom(ctx context.Context, id string, at time.Time) error {
	cmd, err := r.db.Exec(ctx, qCloseRoom, id, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// CloseStaleRooms закрывает комнаты, оставшиеся active после прошлого процесса.
func (r *RoomRepository) CloseStaleRooms(ctx context.Context, at time.Time) (int, error) {
	var closed int64
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, qDepartStaleParticipants, at); err != nil {
			return fmt.Errorf("depart participants: %w", err)
		}
		cmd, err := tx.Exec(ctx, qCloseStaleRooms, at)
		if err != nil {
			return fmt.Errorf("close rooms: %w", err)
		}
		closed = cmd.RowsAffected()
		return nil
	})
	return int(closed), err
}

func (r *RoomRepository) ListRooms(ctx context.Context, limit int, cursorStr string) ([]domain.Room, string, error) {
	cur, err := storage.DecodeCursor(cursorStr)
	if err != nil {
		return nil, "", err
	}
	limit = storage.ClampLimit(limit)

	var createdAt any
	var id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := r.db.Query(ctx, qListRooms, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, "", err
		}
		rooms = append(rooms, *rm)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(rooms) == limit {
		last := rooms[len(rooms)-1]
		nextCursor, _ = storage.EncodeCursor(storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	return rooms, nextCursor, nil
}
