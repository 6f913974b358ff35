package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu     sync.Mutex
	pages  map[string][]domain.ChatMessage
	gens   map[string]int64
	err    error
	genErr error
}

func newMapCache() *mapCache {
	return &mapCache{
		pages: make(map[string][]domain.ChatMessage),
		gens:  make(map[string]int64),
	}
}

func (c *mapCache) Get(_ context.Context, key string) ([]domain.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	page, ok := c.pages[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return page, nil
}

func (c *mapCache) Set(_ context.Context, key string, page []domain.ChatMessage, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[key] = page
	return nil
}

func (c *mapCache) Generation(_ context.Context, roomID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genErr != nil {
		return 0, c.genErr
	}
	return c.gens[roomID], nil
}

func (c *mapCache) Invalidate(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genErr != nil {
		return c.genErr
	}
	c.gens[roomID]++
	return nil
}

func (c *mapCache) BuildKey(roomID string, gen int64, limit, offset int) string {
	return fmt.Sprintf("test:%s:%d:%d:%d", roomID, gen, offset, limit)
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pages[key]
	return ok
}

func (c *mapCache) put(key string, page []domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[key] = page
}

func seed(t *testing.T, st *memory.Store, room string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.Append(context.Background(), &domain.ChatMessage{
			ID:          fmt.Sprintf("%s-m%d", room, i),
			RoomID:      room,
			UserID:      "u1",
			Content:     "x",
			MessageType: domain.KindText,
			CreatedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
	}
}

func TestNewestPageBypassesCache(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, "r1", 3)
	cache := newMapCache()
	svc := NewService(st, cache, time.Minute)

	page, err := svc.History(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r1-m2", page[0].ID)
	assert.False(t, cache.has(cache.BuildKey("r1", 0, 2, 0)))

	_, err = st.Append(ctx, &domain.ChatMessage{ID: "fresh", RoomID: "r1", UserID: "u1", Content: "new", MessageType: domain.KindText})
	require.NoError(t, err)

	page, err = svc.History(ctx, "r1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", page[0].ID, "newest page must reflect the store immediately")
}

func TestOlderPagesAreCached(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, "r1", 5)
	cache := newMapCache()
	svc := NewService(st, cache, time.Minute)

	key := cache.BuildKey("r1", 0, 2, 2)
	page, err := svc.History(ctx, "r1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r1-m2", page[0].ID)
	require.Eventually(t, func() bool { return cache.has(key) }, time.Second, 5*time.Millisecond)

	cache.put(key, []domain.ChatMessage{{ID: "from-cache", RoomID: "r1"}})
	page, err = svc.History(ctx, "r1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "from-cache", page[0].ID)
}

func TestPagingAfterAppendCoversEveryMessage(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, "r1", 6)
	cache := newMapCache()
	svc := NewService(st, cache, time.Minute)

	// Warm the cache for every older page.
	for offset := 2; offset <= 6; offset += 2 {
		_, err := svc.History(ctx, "r1", 2, offset)
		require.NoError(t, err)
		key := cache.BuildKey("r1", 0, 2, offset)
		require.Eventually(t, func() bool { return cache.has(key) }, time.Second, 5*time.Millisecond)
	}

	late, err := st.Append(ctx, &domain.ChatMessage{
		ID: "late", RoomID: "r1", UserID: "u1", Content: "x",
		MessageType: domain.KindText, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	svc.Invalidate(ctx, late)

	seen := make(map[string]int)
	for offset := 0; offset <= 6; offset += 2 {
		page, err := svc.History(ctx, "r1", 2, offset)
		require.NoError(t, err)
		for _, m := range page {
			seen[m.ID]++
		}
	}

	want := map[string]int{"late": 1}
	for i := 0; i < 6; i++ {
		want[fmt.Sprintf("r1-m%d", i)] = 1
	}
	assert.Equal(t, want, seen)
}

func TestInvalidateKeepsOtherRooms(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	svc := NewService(memory.New(), cache, time.Minute)

	svc.Invalidate(ctx, &domain.ChatMessage{RoomID: "r1"})
	svc.Invalidate(ctx, &domain.ChatMessage{RoomID: "r1"})

	gen, err := cache.Generation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)
	gen, err = cache.Generation(ctx, "r2")
	require.NoError(t, err)
	assert.Zero(t, gen)

	// Nil cache and nil message are no-ops.
	NewService(memory.New(), nil, time.Minute).Invalidate(ctx, &domain.ChatMessage{RoomID: "r1"})
	svc.Invalidate(ctx, nil)
}

func TestGenerationErrorBypassesCache(t *testing.T) {
	st := memory.New()
	seed(t, st, "r1", 3)
	cache := newMapCache()
	cache.genErr = errors.New("redis down")
	svc := NewService(st, cache, time.Minute)

	page, err := svc.History(context.Background(), "r1", 10, 1)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Empty(t, cache.pages)
}

func TestCacheErrorFallsBackToStore(t *testing.T) {
	st := memory.New()
	seed(t, st, "r1", 3)
	cache := newMapCache()
	cache.err = errors.New("redis down")
	svc := NewService(st, cache, time.Minute)

	page, err := svc.History(context.Background(), "r1", 10, 1)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestNilCache(t *testing.T) {
	st := memory.New()
	seed(t, st, "r1", 3)
	svc := NewService(st, nil, time.Minute)

	page, err := svc.History(context.Background(), "r1", 10, 1)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = svc.History(context.Background(), "empty", 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)
}

func TestGet(t *testing.T) {
	st := memory.New()
	seed(t, st, "r1", 1)
	svc := NewService(st, nil, 0)

	msg, err := svc.Get(context.Background(), "r1-m0")
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.RoomID)

	_, err = svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisCacheKey(t *testing.T) {
	c := NewRedisCache(nil, "")
	assert.Equal(t, "chat:history:r1:g3:100:50", c.BuildKey("r1", 3, 50, 100))
	assert.NotEqual(t, c.BuildKey("r1", 3, 50, 100), c.BuildKey("r1", 4, 50, 100))
	assert.Equal(t, "chat:history:r1:gen", c.generationKey("r1"))
}
