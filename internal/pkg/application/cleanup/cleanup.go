package cleanup

import (
	"context"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("brewsignal/cleanup")

// Sweeper trims the reading history on an interval: everything older
// than the retention window goes, along with readings left behind by
// deleted batches.
type Sweeper struct {
	store         storage.Store
	interval      time.Duration
	retentionDays func() int
}

func NewSweeper(store storage.Store, interval time.Duration, retentionDays func() int) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}

	return &Sweeper{
		store:         store,
		interval:      interval,
		retentionDays: retentionDays,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "retention-sweep")
	defer span.End()

	log := logging.GetFromContext(ctx)

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays())

	expired, err := s.store.DeleteReadingsOlderThan(ctx, cutoff)
	if err != nil {
		log.Error("could not delete expired readings", "err", err.Error())
	}

	var orphaned int64
	if batchIDs, err := s.store.OrphanedBatches(ctx); err != nil {
		log.Error("could not find orphaned batches", "err", err.Error())
	} else if len(batchIDs) > 0 {
		orphaned = s.deleteOrphans(ctx, batchIDs)
	}

	if expired > 0 || orphaned > 0 {
		log.Info("retention sweep finished", "expired", expired, "orphaned", orphaned, "cutoff", cutoff.Format(time.RFC3339))
	}
}

func (s *Sweeper) deleteOrphans(ctx context.Context, batchIDs []uint) int64 {
	deleted, err := s.store.DeleteReadingsByBatch(ctx, batchIDs)
	if err != nil {
		logging.GetFromContext(ctx).Error("could not delete orphaned readings", "err", err.Error())
		return 0
	}
	return deleted
}
