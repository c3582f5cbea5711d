package store

import (
	"context"

	"marketrelay/internal/models"
)

// Listen applies every FallbackSignal received on signals until ctx is done
// or the channel closes.
func (s *Store) Listen(ctx context.Context, signals <-chan models.FallbackSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.ApplyFallback(sig)
		}
	}
}
