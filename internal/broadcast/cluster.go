package broadcast

import (
	"context"
	"fmt"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/pubsub"
)

// RunClusterFanout delivers messages published by other instances to the
// members connected to this one. It returns when ctx is done or the
// subscription ends.
func (e *Engine) RunClusterFanout(ctx context.Context, sub pubsub.Subscriber) error {
	events, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to room events: %w", err)
	}

	l := log.L()
	l.Info().Str("origin", e.cfg.Origin).Msg("cluster fan-out started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.handleClusterEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleClusterEvent(ctx context.Context, ev *pubsub.Event) {
	if ev.Kind != pubsub.EventMessageCreated || ev.Origin == e.cfg.Origin {
		return
	}

	var msg domain.ChatMessage
	if err := ev.Decode(&msg); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldRoomID, ev.RoomID).Msg("cluster event with invalid payload")
		return
	}

	if _, err := e.DeliverRemote(ctx, &msg); err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Msg("cluster fan-out failed")
	}
}
