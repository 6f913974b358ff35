package cassandra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/gocql/gocql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages_by_room (
		room_id text,
		created_at timestamp,
		message_id text,
		user_id text,
		username text,
		content text,
		message_type text,
		reply_to text,
		PRIMARY KEY ((room_id), created_at, message_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, message_id DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		message_id text PRIMARY KEY,
		room_id text,
		created_at timestamp,
		user_id text,
		username text,
		content text,
		message_type text,
		reply_to text
	)`,
}

const selectColumns = `message_id, room_id, created_at, user_id, username, content, message_type, reply_to`

// Store keeps messages in two tables: one partitioned by room for history,
// one keyed by message id for lookups.
type Store struct {
	session *gocql.Session
}

func New(client *Client) *Store {
	return &Store{session: client.Session()}
}

// Migrate creates the message tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Exec()
}

func (s *Store) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if msg.ReplyTo != nil {
		var roomID string
		err := s.session.Query(`SELECT room_id FROM messages_by_id WHERE message_id = ?`, *msg.ReplyTo).
			WithContext(ctx).Scan(&roomID)
		if errors.Is(err, gocql.ErrNotFound) || (err == nil && roomID != msg.RoomID) {
			return nil, fmt.Errorf("%w: reply_to %s not found in room %s", domain.ErrPersistence, *msg.ReplyTo, msg.RoomID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: check reply_to: %v", domain.ErrPersistence, err)
		}
	}

	stored := msg.Clone()
	stored.CreatedAt = stored.CreatedAt.UTC().Truncate(time.Millisecond) // timestamp columns hold milliseconds

	w := rowWrites{
		// Existence check on the id table keeps ids unique.
		claimID: func(ctx context.Context) (bool, error) {
			return s.session.Query(
				`INSERT INTO messages_by_id (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
				args(stored)...,
			).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		},
		insertRoom: func(ctx context.Context) error {
			return s.session.Query(
				`INSERT INTO messages_by_room (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				args(stored)...,
			).WithContext(ctx).Exec()
		},
		releaseID: func(ctx context.Context) error {
			return s.session.Query(deleteByIDCQL, stored.ID).WithContext(ctx).Exec()
		},
	}
	if err := w.run(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// The delete is conditional so it is ordered by Paxos with the claim.
const deleteByIDCQL = `DELETE FROM messages_by_id WHERE message_id = ? IF EXISTS`

// releaseTimeout bounds the cleanup of a claimed id. It runs detached from
// the request context, which may be what failed the room insert.
const releaseTimeout = 2 * time.Second

// rowWrites are the steps of storing one message in both tables. The id
// row is claimed first; if the room row cannot be written the claim is
// released so that no id row exists without its history row.
type rowWrites struct {
	claimID    func(ctx context.Context) (bool, error)
	insertRoom func(ctx context.Context) error
	releaseID  func(ctx context.Context) error
}

func (w rowWrites) run(ctx context.Context, msg *domain.ChatMessage) error {
	applied, err := w.claimID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if !applied {
		return fmt.Errorf("%w: duplicate message id %s", domain.ErrPersistence, msg.ID)
	}

	if err := w.insertRoom(ctx); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := w.releaseID(releaseCtx); relErr != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(relErr).
				Str(log.FieldMessageID, msg.ID).
				Str(log.FieldRoomID, msg.RoomID).
				Msg("failed to release message id after room insert failed")
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// History reads the room partition newest first. Cassandra has no OFFSET,
// so the first offset rows of the iterator are skipped.
func (s *Store) History(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	iter := s.session.Query(
		`SELECT `+selectColumns+` FROM messages_by_room WHERE room_id = ? LIMIT ?`,
		roomID, offset+limit,
	).WithContext(ctx).PageSize(pageSize(limit, offset)).Iter()

	out := make([]domain.ChatMessage, 0, limit)
	skipped := 0
	for {
		var msg domain.ChatMessage
		if !scan(iter, &msg) {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages of %s: %w", roomID, err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*domain.ChatMessage, error) {
	iter := s.session.Query(
		`SELECT `+selectColumns+` FROM messages_by_id WHERE message_id = ?`, messageID,
	).WithContext(ctx).Iter()

	var msg domain.ChatMessage
	found := scan(iter, &msg)
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	if !found {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return &msg, nil
}

func args(m *domain.ChatMessage) []interface{} {
	return []interface{}{m.ID, m.RoomID, m.CreatedAt, m.UserID, m.Username, m.Content, string(m.MessageType), m.ReplyTo}
}

func scan(iter *gocql.Iter, msg *domain.ChatMessage) bool {
	var kind string
	ok := iter.Scan(&msg.ID, &msg.RoomID, &msg.CreatedAt, &msg.UserID, &msg.Username, &msg.Content, &kind, &msg.ReplyTo)
	if ok {
		msg.MessageType = domain.MessageKind(kind)
		msg.CreatedAt = msg.CreatedAt.UTC()
	}
	return ok
}

func pageSize(limit, offset int) int {
	n := limit + offset
	if n > 5000 {
		return 5000
	}
	return n
}
