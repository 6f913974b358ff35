// Package presence mirrors the local online-user table into Redis so other
// nodes (and operators) can see which node holds a user's connection.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	Prefix            string        `mapstructure:"prefix"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AdvertiseAddress  string        `mapstructure:"advertise_address"`
}

// opQueueSize bounds the updates waiting for the writer.
const opQueueSize = 1024

// RedisPresence implements hub.Observer. Keys expire on their own if the
// node dies; a heartbeat keeps the keys of live users fresh.
//
// Observer callbacks only record the transition and queue it; a single
// writer goroutine applies the queue to Redis in order and also runs the
// heartbeat, so a heartbeat never resurrects a key whose delete is still
// queued. A full queue drops the update: a dropped set is repaired by the
// next heartbeat, a dropped delete expires with the key's TTL.
type RedisPresence struct {
	client            redis.Cmdable
	advertiseAddress  string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	opTimeout         time.Duration

	mu          sync.RWMutex
	managedKeys map[string]struct{}
	ops         chan presenceOp
	cancel      context.CancelFunc
	done        chan struct{}
}

type presenceOp struct {
	userID      string
	displayName string
	online      bool
}

func NewRedisPresence(client redis.Cmdable, cfg Config) *RedisPresence {
	if cfg.Prefix == "" {
		cfg.Prefix = "chat:presence"
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.KeyTTL {
		cfg.HeartbeatInterval = cfg.KeyTTL / 3
	}
	return &RedisPresence{
		client:            client,
		advertiseAddress:  cfg.AdvertiseAddress,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		opTimeout:         2 * time.Second,
		managedKeys:       make(map[string]struct{}),
		ops:               make(chan presenceOp, opQueueSize),
	}
}

func (p *RedisPresence) keyFor(userID string) string {
	return fmt.Sprintf("%s:user:%s", p.prefix, userID)
}

// UserOnline does not wait for Redis.
func (p *RedisPresence) UserOnline(userID, displayName string) {
	p.mu.Lock()
	p.managedKeys[p.keyFor(userID)] = struct{}{}
	p.mu.Unlock()

	p.enqueue(presenceOp{userID: userID, displayName: displayName, online: true})
}

// UserOffline does not wait for Redis.
func (p *RedisPresence) UserOffline(userID string) {
	p.mu.Lock()
	delete(p.managedKeys, p.keyFor(userID))
	p.mu.Unlock()

	p.enqueue(presenceOp{userID: userID})
}

func (p *RedisPresence) enqueue(op presenceOp) {
	select {
	case p.ops <- op:
	default:
		l := log.L()
		l.Warn().Str(log.FieldUserID, op.userID).Bool("online", op.online).Msg("presence queue full, dropping update")
	}
}

func (p *RedisPresence) apply(ctx context.Context, op presenceOp) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	key := p.keyFor(op.userID)
	l := log.L()
	if op.online {
		if err := p.client.Set(ctx, key, p.advertiseAddress, p.keyTTL).Err(); err != nil {
			l.Warn().Err(err).Str(log.FieldUserID, op.userID).Msg("failed to publish presence")
			return
		}
		l.Debug().Str(log.FieldUserID, op.userID).Str(log.FieldUsername, op.displayName).Msg("presence online")
		return
	}
	if err := p.client.Del(ctx, key).Err(); err != nil {
		l.Warn().Err(err).Str(log.FieldUserID, op.userID).Msg("failed to clear presence")
		return
	}
	l.Debug().Str(log.FieldUserID, op.userID).Msg("presence offline")
}

// Lookup returns the advertise address of the node holding userID, or ""
// if the user is not online anywhere.
func (p *RedisPresence) Lookup(ctx context.Context, userID string) (string, error) {
	addr, err := p.client.Get(ctx, p.keyFor(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup presence: %w", err)
	}
	return addr, nil
}

// Start runs the writer until ctx is done or Close is called. Updates
// queued before Start are applied once it runs.
func (p *RedisPresence) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx)
	l := log.L()
	l.Info().Dur("interval", p.heartbeatInterval).Dur("ttl", p.keyTTL).Msg("presence writer started")
}

func (p *RedisPresence) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-p.ops:
			p.apply(ctx, op)
		case <-ticker.C:
			p.refreshKeys(ctx)
		}
	}
}

// refreshKeys rewrites every managed key with a fresh TTL. SET rather than
// EXPIRE so that a key whose online update was dropped is recreated.
func (p *RedisPresence) refreshKeys(ctx context.Context) {
	p.mu.RLock()
	keys := make([]string, 0, len(p.managedKeys))
	for k := range p.managedKeys {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, key, p.advertiseAddress, p.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l := log.L()
		l.Error().Err(err).Int("keys", len(keys)).Msg("failed to refresh presence keys")
	}
}

// Close stops the writer and removes every key this node still owns,
// including keys whose delete was still queued.
func (p *RedisPresence) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	p.mu.Lock()
	keys := make([]string, 0, len(p.managedKeys))
	for k := range p.managedKeys {
		keys = append(keys, k)
	}
	p.managedKeys = make(map[string]struct{})
	p.mu.Unlock()

drain:
	for {
		select {
		case op := <-p.ops:
			if !op.online {
				keys = append(keys, p.keyFor(op.userID))
			}
		default:
			break drain
		}
	}

	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to clear presence on close")
	}
}

func (p *RedisPresence) pending() int {
	return len(p.ops)
}

func (p *RedisPresence) managed() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.managedKeys)
}
