// Package sqlstore implements the message store and membership resolver on
// GORM (postgres, mysql or sqlite).
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the store's tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

func (s *Store) Ping(ctx context.Context) error {
	return database.Ping(ctx, s.db)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return database.Close(s.db)
}

func (s *Store) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	row := toRow(msg)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if row.ReplyTo != nil {
			var n int64
			if err := tx.Model(&Message{}).
				Where("id = ? AND room_id = ?", *row.ReplyTo, row.RoomID).
				Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("reply_to %s not found in room %s", *row.ReplyTo, row.RoomID)
			}
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	return toDomain(row), nil
}

func (s *Store) History(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	var rows []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", roomID, err)
	}

	out := make([]domain.ChatMessage, 0, len(rows))
	for i := range rows {
		out = append(out, *toDomain(&rows[i]))
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*domain.ChatMessage, error) {
	var row Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	return toDomain(&row), nil
}

func (s *Store) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&RoomMember{}).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: members of %s: %v", domain.ErrLookup, roomID, err)
	}
	return ids, nil
}

// CreateRoom inserts a room if it does not exist yet.
func (s *Store) CreateRoom(ctx context.Context, id, name string) error {
	room := &Room{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(room).Error
}

// AddMember adds userID to a room. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, roomID, userID, role string) error {
	if role == "" {
		role = "member"
	}
	m := &RoomMember{RoomID: roomID, UserID: userID, Role: role, JoinedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
}

// RemoveMember removes userID from a room.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&RoomMember{}).Error
}

func toRow(m *domain.ChatMessage) *Message {
	return &Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		UserID:      m.UserID,
		Username:    m.Username,
		Content:     m.Content,
		MessageType: string(m.MessageType),
		ReplyTo:     m.ReplyTo,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func toDomain(r *Message) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:          r.ID,
		RoomID:      r.RoomID,
		UserID:      r.UserID,
		Username:    r.Username,
		Content:     r.Content,
		MessageType: domain.MessageKind(r.MessageType),
		ReplyTo:     r.ReplyTo,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}
