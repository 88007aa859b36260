// Package memory keeps rooms, participants and chat in process memory.
// It is the default store and the one tests run against.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/storage"
)

type Store struct {
	mu           sync.RWMutex
	rooms        map[string]*domain.Room
	participants map[string][]domain.Participant // roomID -> в порядке вставки
	messages     map[string][]domain.ChatMessage
}

func New() *Store {
	return &Store{
		rooms:        make(map[string]*domain.Room),
		participants: make(map[string][]domain.Participant),
		messages:     make(map[string][]domain.ChatMessage),
	}
}

func copyRoom(r *domain.Room) *domain.Room {
	out := *r
	out.Config = r.Config.Clone()
	if r.ClosedAt != nil {
		at := *r.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}

func (s *Store) CreateRoom(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	s.rooms[room.ID] = copyRoom(room)
	return nil
}

func (s *Store) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return copyRoom(r), nil
}

func (s *Store) CloseRoom(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if r.Status == domain.RoomClosed {
		return nil
	}
	r.Status = domain.RoomClosed
	r.ClosedAt = &at
	return nil
}

// CloseStaleRooms closes every room still marked active and departs its live participants.
func (s *Store) CloseStaleRooms(_ context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.rooms {
		if r.Status != domain.RoomActive {
			continue
		}
		t := at
		r.Status = domain.RoomClosed
		r.ClosedAt = &t
		n++
		for i := range s.participants[id] {
			p := &s.participants[id][i]
			if p.Live {
				left := at
				p.Live = false
				p.LeftAt = &left
			}
		}
	}
	return n, nil
}

func (s *Store) ListRooms(_ context.Context, limit int, cursor string) ([]domain.Room, string, error) {
	cur, err := storage.DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = storage.ClampLimit(limit)

	s.mu.RLock()
	all := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if cur.Before(r.CreatedAt, r.ID) {
			all = append(all, *copyRoom(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}

	var next string
	if len(all) == limit {
		last := all[len(all)-1]
		next, _ = storage.EncodeCursor(storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return all, next, nil
}

// SaveParticipant is an upsert by participant id.
func (s *Store) SaveParticipant(_ context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if p.LeftAt != nil {
		at := *p.LeftAt
		cp.LeftAt = &at
	}
	list := s.participants[p.RoomID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = cp
			return nil
		}
	}
	s.participants[p.RoomID] = append(list, cp)
	return nil
}

func (s *Store) ListParticipants(_ context.Context, roomID string) ([]domain.Participant, error) {
	s.mu.RLock()
	out := append([]domain.Participant(nil), s.participants[roomID]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) SaveMessage(_ context.Context, m *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[m.RoomID]
	if n := len(list); n > 0 && list[n-1].Seq >= m.Seq {
		return fmt.Errorf("message seq %d is not after %d", m.Seq, list[n-1].Seq)
	}
	s.messages[m.RoomID] = append(list, *m)
	return nil
}

// History returns messages with seq > afterSeq in ascending order.
func (s *Store) History(_ context.Context, roomID string, afterSeq int64, limit int) ([]domain.ChatMessage, error) {
	limit = storage.ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[roomID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > afterSeq })
	end := min(i+limit, len(list))
	return append([]domain.ChatMessage(nil), list[i:end]...), nil
}
