package pubsub

import (
	"context"
	"errors"
)

type fanout []Publisher

// Fanout publishes each event to every non-nil publisher in order. Every
// publisher is tried; the errors are joined.
func Fanout(publishers ...Publisher) Publisher {
	out := make(fanout, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (f fanout) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
