package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
	"github.com/matryer/is"
)

type warmStartStoreFunc func(ctx context.Context, deviceID string) (types.Reading, error)

func (f warmStartStoreFunc) LatestGoodReading(ctx context.Context, deviceID string) (types.Reading, error) {
	return f(ctx, deviceID)
}

var emptyStore = warmStartStoreFunc(func(context.Context, string) (types.Reading, error) {
	return types.Reading{}, storage.ErrNoRows
})

func TestFirstReadingIsNeverAnomalous(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)

	result, err := p.Process(context.Background(), "tilt-blue", 1.050, 20.0, time.Now())
	is.NoErr(err)

	is.True(!result.IsAnomaly)
	is.Equal(result.GravityRate, 0.0)
	is.Equal(result.TemperatureRate, 0.0)
	is.Equal(result.GravityFiltered, 1.050)
	is.Equal(result.Confidence, 1.0/(1.0+DefaultConfig().InitialVariance))
}

func TestFilterConvergesOnSteadySignal(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)
	ctx := context.Background()
	now := time.Now()

	var result types.ProcessedReading
	var err error
	for i := 0; i < 20; i++ {
		result, err = p.Process(ctx, "tilt-blue", 1.050, 20.0, now.Add(time.Duration(i)*time.Minute))
		is.NoErr(err)
	}

	is.True(math.Abs(result.GravityFiltered-1.050) < 1e-6)
	is.True(result.Confidence > 0.9)
	is.True(!result.IsAnomaly)
}

func TestGravityJumpIsFlaggedAndFilterUnaffected(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		_, err := p.Process(ctx, "tilt-blue", 1.050, 20.0, now.Add(time.Duration(i)*time.Minute))
		is.NoErr(err)
	}

	// a 0.02 SG jump is far past the 0.003 hard limit
	result, err := p.Process(ctx, "tilt-blue", 1.070, 20.0, now.Add(11*time.Minute))
	is.NoErr(err)

	is.True(result.IsAnomaly)
	is.True(contains(result.AnomalyReasons, "gravity_residual_limit"))
	is.True(math.Abs(result.GravityFiltered-1.050) < 0.001)

	// the next normal reading continues from the unpolluted state
	result, err = p.Process(ctx, "tilt-blue", 1.0501, 20.0, now.Add(12*time.Minute))
	is.NoErr(err)
	is.True(!result.IsAnomaly)
}

func TestTemperatureJumpIsFlagged(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := p.Process(ctx, "spindel-1", 1.050, 20.0, now.Add(time.Duration(i)*time.Minute))
		is.NoErr(err)
	}

	result, err := p.Process(ctx, "spindel-1", 1.050, 26.0, now.Add(6*time.Minute))
	is.NoErr(err)

	is.True(result.IsAnomaly)
	is.True(contains(result.AnomalyReasons, "temperature_residual_limit"))
}

func TestFallingGravityProducesNegativeRate(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)
	ctx := context.Background()
	now := time.Now()

	// 0.001 SG drop per hour over ten hourly readings
	var result types.ProcessedReading
	var err error
	for i := 0; i < 10; i++ {
		gravity := 1.060 - float64(i)*0.001
		result, err = p.Process(ctx, "tilt-blue", gravity, 19.5, now.Add(time.Duration(i)*time.Hour))
		is.NoErr(err)
	}

	is.True(result.GravityRate < 0)
	is.True(math.Abs(result.GravityRate+0.001) < 0.0005)
	is.True(!result.IsAnomaly)
}

func TestWarmStartSeedsFromPersistedReading(t *testing.T) {
	is := is.New(t)

	store := warmStartStoreFunc(func(ctx context.Context, deviceID string) (types.Reading, error) {
		return types.Reading{
			DeviceID:            deviceID,
			Timestamp:           time.Now().Add(-time.Hour),
			GravityFiltered:     1.048,
			TemperatureFiltered: 19.0,
		}, nil
	})

	p := New(DefaultConfig(), store)

	result, err := p.Process(context.Background(), "tilt-blue", 1.0478, 19.1, time.Now())
	is.NoErr(err)

	// seeded near the persisted value, so a close reading folds right in
	is.True(!result.IsAnomaly)
	is.True(math.Abs(result.GravityFiltered-1.0478) < 0.001)
}

func TestResetDiscardsState(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := p.Process(ctx, "tilt-blue", 1.050, 20.0, now.Add(time.Duration(i)*time.Minute))
		is.NoErr(err)
	}

	p.Reset("tilt-blue")

	// after a reset even a wildly different value is a fresh first reading
	result, err := p.Process(ctx, "tilt-blue", 1.090, 25.0, now.Add(6*time.Minute))
	is.NoErr(err)
	is.True(!result.IsAnomaly)
	is.Equal(result.GravityFiltered, 1.090)
}

func TestConcurrentProcessingOfOneDevice(t *testing.T) {
	is := is.New(t)

	p := New(DefaultConfig(), emptyStore)
	ctx := context.Background()
	now := time.Now()

	errs := make(chan error, 50)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Process(ctx, "tilt-blue", 1.050, 20.0, now.Add(time.Duration(i)*time.Minute))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		is.NoErr(err)
	}

	// a steady signal leaves a converged filter, however the samples
	// were interleaved
	result, err := p.Process(ctx, "tilt-blue", 1.050, 20.0, now.Add(time.Hour))
	is.NoErr(err)
	is.True(math.Abs(result.GravityFiltered-1.050) < 1e-6)
}

func TestLinearPredictor(t *testing.T) {
	is := is.New(t)

	now := time.Now()

	history := []types.Reading{
		{Timestamp: now, GravityFiltered: 1.020, GravityRate: -0.0005},
	}

	eta, ok := LinearPredictor(history, 1.010)
	is.True(ok)
	is.True(eta.After(now))

	_, ok = LinearPredictor([]types.Reading{{Timestamp: now, GravityFiltered: 1.020, GravityRate: 0.0001}}, 1.010)
	is.True(!ok)

	_, ok = LinearPredictor(nil, 1.010)
	is.True(!ok)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
