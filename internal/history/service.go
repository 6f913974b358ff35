package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/metrics"
	"github.com/Dry1ceD7/AAEConnect/internal/store"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Service serves history pages. The newest page always comes from the
// store so a message is visible as soon as it is stored; older pages are
// cached per room generation, and Invalidate must be called after every
// stored message so that no cached page survives a shift of the offsets.
type Service struct {
	store    store.MessageStore
	cache    Cache
	cacheTTL time.Duration
	sf       singleflight.Group
}

// NewService creates a history service. A nil cache disables caching.
func NewService(ms store.MessageStore, cache Cache, cacheTTL time.Duration) *Service {
	return &Service{store: ms, cache: cache, cacheTTL: cacheTTL}
}

func (s *Service) History(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error) {
	if offset == 0 || s.cache == nil || s.cacheTTL <= 0 {
		return s.load(ctx, roomID, limit, offset)
	}

	gen, err := s.cache.Generation(ctx, roomID)
	if err != nil {
		metrics.HistoryCache.WithLabelValues("error").Inc()
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache generation error")
		return s.load(ctx, roomID, limit, offset)
	}

	key := s.cache.BuildKey(roomID, gen, limit, offset)
	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.fetchWithCache(ctx, roomID, limit, offset, key)
	})
	if err != nil {
		return nil, err
	}

	page, ok := result.([]domain.ChatMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return page, nil
}

// Invalidate drops every cached page of the room. It is called once a
// message has been stored and before it is delivered.
func (s *Service) Invalidate(ctx context.Context, msg *domain.ChatMessage) {
	if s.cache == nil || msg == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, msg.RoomID); err != nil {
		metrics.HistoryCache.WithLabelValues("error").Inc()
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("cache invalidate error")
	}
}

func (s *Service) Get(ctx context.Context, messageID string) (*domain.ChatMessage, error) {
	return s.store.Get(ctx, messageID)
}

func (s *Service) fetchWithCache(ctx context.Context, roomID string, limit, offset int, key string) ([]domain.ChatMessage, error) {
	cached, err := s.cache.Get(ctx, key)
	if err == nil {
		metrics.HistoryCache.WithLabelValues("hit").Inc()
		return cached, nil
	}

	if errors.Is(err, ErrCacheMiss) {
		metrics.HistoryCache.WithLabelValues("miss").Inc()
	} else {
		metrics.HistoryCache.WithLabelValues("error").Inc()
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache get error")
	}

	page, err := s.load(ctx, roomID, limit, offset)
	if err != nil {
		return nil, err
	}

	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cache.Set(cacheCtx, key, page, s.cacheTTL); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache set error")
		}
	}()

	return page, nil
}

func (s *Service) load(ctx context.Context, roomID string, limit, offset int) ([]domain.ChatMessage, error) {
	page, err := s.store.History(ctx, roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages from store: %w", err)
	}
	if page == nil {
		page = []domain.ChatMessage{}
	}
	return page, nil
}
