package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/redis/go-redis/v9"
)

// RedisBus publishes each room on its own channel and subscribes to all of
// them with one PSUBSCRIBE.
type RedisBus struct {
	client     *redis.Client
	ownsClient bool
	prefix     string

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedisBus(cfg RedisConfig, prefix string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client, prefix, true), nil
}

// NewRedisBusWithClient wraps client. Close only closes the client when
// owns is true.
func NewRedisBusWithClient(client *redis.Client, prefix string, owns bool) *RedisBus {
	return &RedisBus{client: client, ownsClient: owns, prefix: prefixOrDefault(prefix)}
}

func (r *RedisBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	channel := RoomChannel(r.prefix, event.RoomID)
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (r *RedisBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	pattern := RoomPattern(r.prefix)
	ps := r.client.PSubscribe(ctx, pattern)
	// Wait for the confirmation so the subscription is live on return.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	events := make(chan *Event, 100)
	go r.forward(ctx, ps, events)
	return events, nil
}

func (r *RedisBus) forward(ctx context.Context, ps *redis.PubSub, events chan<- *Event) {
	defer close(events)
	l := log.L()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				l.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping redis event")
				continue
			}
			if room, ok := roomFromChannel(r.prefix, msg.Channel); ok && room != ev.RoomID {
				l.Warn().Str("channel", msg.Channel).Str(log.FieldRoomID, ev.RoomID).Msg("event room does not match channel")
				continue
			}
			if !offer(ctx, events, ev) {
				return
			}
		}
	}
}

func (r *RedisBus) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ps := range r.subs {
		ps.Close()
	}
	r.subs = nil

	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
