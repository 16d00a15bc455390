package notify

import (
	"context"
	"errors"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/alejandrodnm/restless/internal/ports"
)

// Multi reparte cada evento a varios sinks. Un sink que falla no impide
// que los demás reciban el evento.
type Multi []ports.EventSink

// Emit implementa ports.EventSink.
func (m Multi) Emit(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
