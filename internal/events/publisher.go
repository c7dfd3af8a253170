package events

import (
	"context"
	"errors"

	"chatcall-backend/internal/domain"
)

// Publisher receives call lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event domain.CallEvent) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, event domain.CallEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event domain.CallEvent) error {
	return f(ctx, event)
}

// Fanout delivers each event to every publisher in order. A failing
// publisher does not stop the others; their errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event domain.CallEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards events
type Noop struct{}

func (Noop) Publish(context.Context, domain.CallEvent) error { return nil }
