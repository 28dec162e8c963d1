package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
)

// Config tunes the per-device signal conditioning. Process noise values
// are per hour of elapsed time between readings.
type Config struct {
	GravityProcessNoise     float64 `yaml:"gravityProcessNoise"`
	TemperatureProcessNoise float64 `yaml:"temperatureProcessNoise"`

	GravityMeasurementNoise     float64 `yaml:"gravityMeasurementNoise"`
	TemperatureMeasurementNoise float64 `yaml:"temperatureMeasurementNoise"`

	InitialVariance float64 `yaml:"initialVariance"`

	RateWindow    int `yaml:"rateWindow"`
	AnomalyWindow int `yaml:"anomalyWindow"`

	GravityResidualLimit     float64 `yaml:"gravityResidualLimit"`
	TemperatureResidualLimit float64 `yaml:"temperatureResidualLimit"`
	GravityRiseRateLimit     float64 `yaml:"gravityRiseRateLimit"`
	ZScoreLimit              float64 `yaml:"zscoreLimit"`
}

func DefaultConfig() Config {
	return Config{
		GravityProcessNoise:         1e-8,
		TemperatureProcessNoise:     1e-2,
		GravityMeasurementNoise:     1e-6,
		TemperatureMeasurementNoise: 1e-1,
		InitialVariance:             1.0,
		RateWindow:                  10,
		AnomalyWindow:               20,
		GravityResidualLimit:        0.003,
		TemperatureResidualLimit:    2.0,
		GravityRiseRateLimit:        1e-3,
		ZScoreLimit:                 3.5,
	}
}

//go:generate moq -rm -out pipeline_mock.go . Pipeline
type Pipeline interface {
	Process(ctx context.Context, deviceID string, gravityCal, temperatureCal float64, observedAt time.Time) (types.ProcessedReading, error)
	Reset(deviceID string)
}

// WarmStartStore is the one-row read the pipeline performs per device at
// init; every later interaction with the database is one-way writes by
// the ingest manager.
type WarmStartStore interface {
	LatestGoodReading(ctx context.Context, deviceID string) (types.Reading, error)
}

type sample struct {
	at      time.Time
	gravity float64
	temp    float64
}

type deviceState struct {
	mu sync.Mutex

	gravity     kalmanFilter
	temperature kalmanFilter

	gravityWindow     *rollingWindow
	temperatureWindow *rollingWindow

	history []sample
	lastAt  time.Time
}

type impl struct {
	cfg   Config
	store WarmStartStore

	mu     sync.Mutex
	states map[string]*deviceState
}

func New(cfg Config, store WarmStartStore) Pipeline {
	return &impl{
		cfg:    cfg,
		store:  store,
		states: map[string]*deviceState{},
	}
}

func (p *impl) Reset(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.states, deviceID)
}

// stateFor creates per-device state lazily, warm starting from the most
// recent non-anomalous persisted reading so a process restart does not
// reset the filter to zero knowledge.
func (p *impl) stateFor(ctx context.Context, deviceID string) *deviceState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[deviceID]
	if ok {
		return state
	}

	state = &deviceState{
		gravityWindow:     newRollingWindow(p.cfg.AnomalyWindow),
		temperatureWindow: newRollingWindow(p.cfg.AnomalyWindow),
	}

	if p.store != nil {
		last, err := p.store.LatestGoodReading(ctx, deviceID)
		if err == nil {
			state.gravity.seed(last.GravityFiltered, p.cfg.InitialVariance)
			state.temperature.seed(last.TemperatureFiltered, p.cfg.InitialVariance)
			state.lastAt = last.Timestamp
		} else if !errors.Is(err, storage.ErrNoRows) {
			logging.GetFromContext(ctx).Warn("could not warm start pipeline state",
				"device_id", deviceID, "err", err.Error())
		}
	}

	p.states[deviceID] = state
	return state
}

func (p *impl) Process(ctx context.Context, deviceID string, gravityCal, temperatureCal float64, observedAt time.Time) (result types.ProcessedReading, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	state := p.stateFor(ctx, deviceID)

	// filter state is not safe for concurrent mutation
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.gravity.initialized {
		state.gravity.seed(gravityCal, p.cfg.InitialVariance)
		state.temperature.seed(temperatureCal, p.cfg.InitialVariance)
		state.lastAt = observedAt
		state.appendSample(observedAt, gravityCal, temperatureCal, p.cfg.RateWindow)
		state.gravityWindow.push(gravityCal)
		state.temperatureWindow.push(temperatureCal)

		return types.ProcessedReading{
			GravityFiltered:     gravityCal,
			TemperatureFiltered: temperatureCal,
			Confidence:          state.gravity.confidence(),
		}, nil
	}

	dtHours := observedAt.Sub(state.lastAt).Hours()
	if dtHours < 0 {
		dtHours = 0
	}

	state.gravity.predict(dtHours, p.cfg.GravityProcessNoise)
	state.temperature.predict(dtHours, p.cfg.TemperatureProcessNoise)

	gravityResidual := state.gravity.residual(gravityCal)
	temperatureResidual := state.temperature.residual(temperatureCal)

	gravityZ := robustZScore(gravityResidual, state.gravityWindow)
	temperatureZ := robustZScore(temperatureResidual, state.temperatureWindow)

	gravityRate, temperatureRate := state.rates()

	var reasons []string

	if abs(gravityResidual) > p.cfg.GravityResidualLimit {
		reasons = append(reasons, "gravity_residual_limit")
	}
	if abs(temperatureResidual) > p.cfg.TemperatureResidualLimit {
		reasons = append(reasons, "temperature_residual_limit")
	}
	if gravityRate > p.cfg.GravityRiseRateLimit {
		reasons = append(reasons, "gravity_rising")
	}
	if gravityZ > p.cfg.ZScoreLimit {
		reasons = append(reasons, "gravity_zscore")
	}
	if temperatureZ > p.cfg.ZScoreLimit {
		reasons = append(reasons, "temperature_zscore")
	}

	isAnomaly := len(reasons) > 0

	// An anomalous sample never corrupts the filter: the predict step
	// has already advanced time, the measurement is simply not folded in.
	if !isAnomaly {
		state.gravity.update(gravityCal, p.cfg.GravityMeasurementNoise)
		state.temperature.update(temperatureCal, p.cfg.TemperatureMeasurementNoise)

		state.gravityWindow.push(state.gravity.x)
		state.temperatureWindow.push(state.temperature.x)
		state.appendSample(observedAt, state.gravity.x, state.temperature.x, p.cfg.RateWindow)
	}

	state.lastAt = observedAt

	gravityRate, temperatureRate = state.rates()

	return types.ProcessedReading{
		GravityFiltered:     state.gravity.x,
		TemperatureFiltered: state.temperature.x,
		GravityRate:         gravityRate,
		TemperatureRate:     temperatureRate,
		Confidence:          minf(state.gravity.confidence(), state.temperature.confidence()),
		IsAnomaly:           isAnomaly,
		AnomalyReasons:      reasons,
		AnomalyScore:        maxf(gravityZ, temperatureZ),
	}, nil
}

func (s *deviceState) appendSample(at time.Time, gravity, temp float64, capacity int) {
	s.history = append(s.history, sample{at: at, gravity: gravity, temp: temp})
	if len(s.history) > capacity {
		s.history = s.history[1:]
	}
}

// rates fits a least squares slope through the recent filtered values,
// in SG per hour and °C per hour.
func (s *deviceState) rates() (float64, float64) {
	n := len(s.history)
	if n < 2 {
		return 0, 0
	}

	t0 := s.history[0].at

	var sumT, sumG, sumC, sumTT, sumTG, sumTC float64
	for _, sm := range s.history {
		t := sm.at.Sub(t0).Hours()
		sumT += t
		sumG += sm.gravity
		sumC += sm.temp
		sumTT += t * t
		sumTG += t * sm.gravity
		sumTC += t * sm.temp
	}

	fn := float64(n)
	denom := fn*sumTT - sumT*sumT
	if denom == 0 {
		return 0, 0
	}

	gravityRate := (fn*sumTG - sumT*sumG) / denom
	temperatureRate := (fn*sumTC - sumT*sumC) / denom

	return gravityRate, temperatureRate
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
