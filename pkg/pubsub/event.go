package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventMessageCreated is published once per stored chat message.
const EventMessageCreated = "message.created"

var errMalformedEvent = errors.New("malformed event")

// Event is a room event as it travels between chat instances. Origin names
// the publishing instance so that it can skip its own events.
type Event struct {
	Kind    string          `json:"kind"`
	RoomID  string          `json:"room_id"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

func NewEvent(kind, roomID, origin string, payload interface{}) (*Event, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: empty room id", errMalformedEvent)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &Event{
		Kind:    kind,
		RoomID:  roomID,
		Origin:  origin,
		Payload: data,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

func decodeEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if ev.Kind == "" || ev.RoomID == "" {
		return nil, fmt.Errorf("%w: missing kind or room id", errMalformedEvent)
	}
	return &ev, nil
}

// Publisher routes an event by its room id.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Subscriber streams the events of every room. The channel is closed when
// ctx is done or the bus is closed.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan *Event, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// offer hands ev to a subscriber without blocking the driver. A slow
// subscriber loses events rather than stalling the bus.
func offer(ctx context.Context, ch chan<- *Event, ev *Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		return true
	}
}
