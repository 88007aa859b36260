// Package sqlite is a single-file store for one-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/storage"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pion/webrtc/v3"
)

//go:embed schema.sql
var embeddedSchema embed.FS

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the database file and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// один writer: sqlite всё равно сериализует запись
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return err
	}

	b, err := embeddedSchema.ReadFile("schema.sql")
	if err != nil {
		return err
	}

	_, err = s.db.Exec(strings.TrimSpace(string(b)))
	return err
}

// ---------- Rooms ----------

func (s *Store) CreateRoom(ctx context.Context, room *domain.Room) error {
	ice, err := json.Marshal(iceOrEmpty(room.Config.ICEServers))
	if err != nil {
		return fmt.Errorf("marshal ice servers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, interview_session_id, status, recording_enabled, screen_share_enabled, chat_enabled, ice_servers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.InterviewSessionID, string(room.Status),
		room.Config.RecordingEnabled, room.Config.ScreenShareEnabled, room.Config.ChatEnabled,
		string(ice), room.CreatedAt.UnixNano())
	return err
}

const roomColumns = `id, interview_session_id, status, recording_enabled, screen_share_enabled, chat_enabled, ice_servers, created_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*domain.Room, error) {
	var (
		r         domain.Room
		status    string
		ice       string
		createdAt int64
		closedAt  sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.InterviewSessionID, &status,
		&r.Config.RecordingEnabled, &r.Config.ScreenShareEnabled, &r.Config.ChatEnabled,
		&ice, &createdAt, &closedAt); err != nil {
		return nil, err
	}
	r.Status = domain.RoomStatus(status)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	if closedAt.Valid {
		at := time.Unix(0, closedAt.Int64).UTC()
		r.ClosedAt = &at
	}
	if err := json.Unmarshal([]byte(ice), &r.Config.ICEServers); err != nil {
		return nil, fmt.Errorf("decode ice servers of room %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	r, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) CloseRoom(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = ?, closed_at = COALESCE(closed_at, ?) WHERE id = ?`,
		string(domain.RoomClosed), at.UnixNano(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// CloseStaleRooms closes rooms left active by a previous process together
// with their live participants.
func (s *Store) CloseStaleRooms(ctx context.Context, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE room_participants SET live = 0, left_at = COALESCE(left_at, ?)
		WHERE live = 1 AND room_id IN (SELECT id FROM rooms WHERE status = ?)`,
		at.UnixNano(), string(domain.RoomActive)); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE rooms SET status = ?, closed_at = COALESCE(closed_at, ?) WHERE status = ?`,
		string(domain.RoomClosed), at.UnixNano(), string(domain.RoomActive))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *Store) ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error) {
	cur, err := storage.DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = storage.ClampLimit(limit)

	var rows *sql.Rows
	if cur == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+roomColumns+` FROM rooms ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		ts := cur.CreatedAt.UnixNano()
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+roomColumns+` FROM rooms
			WHERE created_at < ? OR (created_at = ? AND id < ?)
			ORDER BY created_at DESC, id DESC LIMIT ?`, ts, ts, cur.ID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, "", err
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(rooms) == limit {
		last := rooms[len(rooms)-1]
		next, _ = storage.EncodeCursor(storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return rooms, next, nil
}

// ---------- Participants ----------

func (s *Store) SaveParticipant(ctx context.Context, p *domain.Participant) error {
	var leftAt sql.NullInt64
	if p.LeftAt != nil {
		leftAt = sql.NullInt64{Int64: p.LeftAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_participants (id, room_id, user_id, display_name, role, conn_id, joined_at, left_at, live)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET left_at = excluded.left_at, live = excluded.live`,
		p.ID, p.RoomID, string(p.UserID), p.DisplayName, string(p.Role), p.ConnID,
		p.JoinedAt.UnixNano(), leftAt, p.Live)
	return err
}

func (s *Store) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, display_name, role, conn_id, joined_at, left_at, live
		FROM room_participants WHERE room_id = ? ORDER BY joined_at ASC, rowid ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var (
			p        domain.Participant
			userID   string
			role     string
			joinedAt int64
			leftAt   sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.RoomID, &userID, &p.DisplayName, &role, &p.ConnID, &joinedAt, &leftAt, &p.Live); err != nil {
			return nil, err
		}
		p.UserID = domain.UserID(userID)
		p.Role = domain.Role(role)
		p.JoinedAt = time.Unix(0, joinedAt).UTC()
		if leftAt.Valid {
			at := time.Unix(0, leftAt.Int64).UTC()
			p.LeftAt = &at
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------- Chat ----------

func (s *Store) SaveMessage(ctx context.Context, m *domain.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_messages (id, room_id, user_id, display_name, text, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, string(m.UserID), m.DisplayName, m.Text, m.Seq, m.CreatedAt.UnixNano())
	return err
}

func (s *Store) History(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, display_name, text, seq, created_at
		FROM room_messages WHERE room_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, roomID, afterSeq, storage.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var (
			m         domain.ChatMessage
			userID    string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &userID, &m.DisplayName, &m.Text, &m.Seq, &createdAt); err != nil {
			return nil, err
		}
		m.UserID = domain.UserID(userID)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func iceOrEmpty(s []webrtc.ICEServer) []webrtc.ICEServer {
	if s == nil {
		return []webrtc.ICEServer{}
	}
	return s
}
