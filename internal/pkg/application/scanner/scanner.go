package scanner

import (
	"context"
	"time"

	"github.com/machug/brewsignal/internal/pkg/application/adapters"
	"github.com/machug/brewsignal/internal/pkg/application/ingest"
)

// Sink receives every raw payload a scanner picks up. The ingest manager
// satisfies this; scanners never interpret payloads themselves.
type Sink interface {
	IngestRaw(ctx context.Context, payload adapters.RawPayload) (ingest.Result, error)
}

// Scanner is a source of raw hydrometer payloads. Run blocks until the
// context is cancelled, reconnecting to its source as needed.
type Scanner interface {
	Run(ctx context.Context) error
}

// backoff doubles the delay on every consecutive failure, capped at a
// minute, and resets after a successful stretch.
type backoff struct {
	current time.Duration
}

const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
)

func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = backoffInitial
		return b.current
	}

	b.current *= 2
	if b.current > backoffMax {
		b.current = backoffMax
	}

	return b.current
}

func (b *backoff) reset() {
	b.current = 0
}

// nextAfter is next for attempts that ran for a while before failing: a
// stretch of at least healthy counts as a recovery, so the delay starts
// over instead of creeping towards the cap forever.
func (b *backoff) nextAfter(ran, healthy time.Duration) time.Duration {
	if ran >= healthy {
		b.reset()
	}
	return b.next()
}

// sleepCtx waits for the delay or the context, whichever ends first.
func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
