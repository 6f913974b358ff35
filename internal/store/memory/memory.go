// Package memory provides in-process message and membership stores.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
)

// Store keeps messages and room membership in memory. Messages of a room
// are kept in append order.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*domain.ChatMessage
	byRoom   map[string][]*domain.ChatMessage
	members  map[string][]string
	appendFn func(*domain.ChatMessage) error
}

func New() *Store {
	return &Store{
		byID:    make(map[string]*domain.ChatMessage),
		byRoom:  make(map[string][]*domain.ChatMessage),
		members: make(map[string][]string),
	}
}

// SetMembers replaces the member list of a room.
func (s *Store) SetMembers(roomID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[roomID] = append([]string(nil), userIDs...)
}

// AddMember adds userID to a room if not already present.
func (s *Store) AddMember(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.members[roomID] {
		if id == userID {
			return
		}
	}
	s.members[roomID] = append(s.members[roomID], userID)
}

// OnAppend installs a hook run under the store lock before each append.
// A non-nil error rejects the append.
func (s *Store) OnAppend(fn func(*domain.ChatMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFn = fn
}

func (s *Store) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendFn != nil {
		if err := s.appendFn(msg); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}
	if _, exists := s.byID[msg.ID]; exists {
		return nil, fmt.Errorf("%w: duplicate message id %s", domain.ErrPersistence, msg.ID)
	}
	if msg.ReplyTo != nil {
		parent, ok := s.byID[*msg.ReplyTo]
		if !ok || parent.RoomID != msg.RoomID {
			return nil, fmt.Errorf("%w: reply_to %s not found in room %s", domain.ErrPersistence, *msg.ReplyTo, msg.RoomID)
		}
	}

	stored := msg.Clone()
	s.byID[stored.ID] = stored
	s.byRoom[stored.RoomID] = append(s.byRoom[stored.RoomID], stored)
	return stored.Clone(), nil
}

func (s *Store) History(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byRoom[roomID]
	out := make([]domain.ChatMessage, 0, limit)
	for i := len(msgs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *msgs[i].Clone())
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return msg.Clone(), nil
}

func (s *Store) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLookup, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.members[roomID]...), nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
