package pubsub

import "context"

// Noop discards published events and never delivers any. It is the bus of
// a single-instance deployment.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) Publish(context.Context, *Event) error { return nil }

func (*Noop) Subscribe(ctx context.Context) (<-chan *Event, error) {
	ch := make(chan *Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (*Noop) Close() error { return nil }
