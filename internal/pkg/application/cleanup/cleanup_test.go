package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
	"github.com/matryer/is"
)

func TestSweepRemovesExpiredAndOrphanedReadings(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	store, err := storage.New(storage.NewInMemoryConnector(ctx))
	is.NoErr(err)
	is.NoErr(store.Initialize(ctx))

	deviceID := "tilt-blue"
	now := time.Now()

	batchID, err := store.AddBatch(ctx, types.Batch{DeviceID: &deviceID, BatchNumber: 1, Status: types.BatchStatusFermenting})
	is.NoErr(err)

	_, err = store.AddReading(ctx, types.Reading{DeviceID: deviceID, Timestamp: now.AddDate(0, 0, -40)})
	is.NoErr(err)
	_, err = store.AddReading(ctx, types.Reading{DeviceID: deviceID, Timestamp: now, BatchID: &batchID})
	is.NoErr(err)
	keeperID, err := store.AddReading(ctx, types.Reading{DeviceID: "tilt-red", Timestamp: now})
	is.NoErr(err)

	is.NoErr(store.DeleteBatch(ctx, batchID))

	sweeper := NewSweeper(store, time.Hour, func() int { return 30 })
	sweeper.sweep(ctx)

	// the old reading and the deleted batch's reading are gone
	readings, err := store.ReadingsInRange(ctx, deviceID, now.AddDate(0, 0, -60), now.Add(time.Minute), 0)
	is.NoErr(err)
	is.Equal(len(readings), 0)

	keeper, err := store.LatestReading(ctx, "tilt-red")
	is.NoErr(err)
	is.Equal(keeper.ID, keeperID)
}
