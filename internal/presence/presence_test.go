package presence

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachable returns a client pointing at a closed port; commands fail
// fast and presence must only log.
func unreachable() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

// stalled returns a client whose server accepts connections and never
// answers, so every command runs into its read timeout.
func stalled(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	return redis.NewClient(&redis.Options{
		Addr:         ln.Addr().String(),
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		MaxRetries:   -1,
	})
}

func TestDefaults(t *testing.T) {
	p := NewRedisPresence(unreachable(), Config{KeyTTL: 30 * time.Second, HeartbeatInterval: time.Minute})
	assert.Equal(t, "chat:presence:user:u1", p.keyFor("u1"))
	assert.Equal(t, 10*time.Second, p.heartbeatInterval)

	p = NewRedisPresence(unreachable(), Config{Prefix: "x"})
	assert.Equal(t, "x:user:u1", p.keyFor("u1"))
	assert.Equal(t, 30*time.Second, p.keyTTL)
}

func TestManagedKeysTrackTransitions(t *testing.T) {
	p := NewRedisPresence(unreachable(), Config{})
	p.opTimeout = 100 * time.Millisecond

	p.UserOnline("u1", "Ann")
	p.UserOnline("u2", "Bob")
	assert.Equal(t, 2, p.managed())

	p.UserOffline("u1")
	assert.Equal(t, 1, p.managed())
	assert.Equal(t, 3, p.pending())

	p.Close()
	assert.Equal(t, 0, p.managed())
	assert.Equal(t, 0, p.pending())
}

func TestTransitionsDoNotWaitForRedis(t *testing.T) {
	p := NewRedisPresence(stalled(t), Config{})
	p.opTimeout = 100 * time.Millisecond
	p.Start(context.Background())

	start := time.Now()
	for i := 0; i < 20; i++ {
		p.UserOnline("u1", "Ann")
		p.UserOffline("u1")
	}
	// Each Redis call takes the full timeout against this server; waiting
	// on them would take seconds.
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, p.pending())
}

func TestFullQueueDropsUpdates(t *testing.T) {
	p := NewRedisPresence(unreachable(), Config{})
	p.opTimeout = 100 * time.Millisecond
	p.ops = make(chan presenceOp, 2)

	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		p.UserOnline(id, id)
	}
	assert.Equal(t, 2, p.pending())
	assert.Equal(t, 4, p.managed(), "dropped updates still own their keys for the heartbeat")

	p.Close()
}
