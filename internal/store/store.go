package store

import (
	"context"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
)

// MessageStore persists chat messages. Implementations are safe for
// concurrent use.
type MessageStore interface {
	// Append durably stores msg and returns the stored record. Failures wrap
	// domain.ErrPersistence.
	Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error)
	// History returns up to limit messages of a room, newest first, skipping
	// offset messages.
	History(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error)
	// Get returns a single message or an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, messageID string) (*domain.ChatMessage, error)
}

// MembershipResolver lists the user ids of a room's members.
type MembershipResolver interface {
	MembersOf(ctx context.Context, roomID string) ([]string, error)
}

// Pinger is implemented by stores backed by a remote system.
type Pinger interface {
	Ping(ctx context.Context) error
}
