package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/internal/pkg/application/adapters"
	"github.com/machug/brewsignal/internal/pkg/application/pipeline"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("brewsignal/ingest")

// Config holds the acceptance policy knobs. MinInterval throttles
// per-device chatter (BLE beacons repeat every few seconds), RSSIFloor
// drops readings from transmitters too far away to trust, and
// PairingRequired gates ingest on explicit operator approval.
type Config struct {
	MinInterval     time.Duration
	RSSIFloor       *int
	PairingRequired bool
}

func DefaultConfig() Config {
	return Config{
		MinInterval:     10 * time.Second,
		PairingRequired: true,
	}
}

type Outcome string

const (
	OutcomeStored     Outcome = "stored"
	OutcomeUnpaired   Outcome = "unpaired"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeWeakSignal Outcome = "weak_signal"
	OutcomeIgnored    Outcome = "ignored"
)

// Result reports what happened to a submitted observation. Reading is
// only populated when Accepted is stored.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Reading types.Reading `json:"reading,omitempty"`
}

// Broadcaster pushes accepted readings to connected clients. The hub
// satisfies this; ingest never blocks on slow consumers.
type Broadcaster interface {
	PublishReading(reading types.Reading)
}

//go:generate moq -rm -out ingest_mock.go . Manager
type Manager interface {
	IngestRaw(ctx context.Context, payload adapters.RawPayload) (Result, error)
	IngestNormalized(ctx context.Context, nr types.NormalizedReading) (Result, error)
}

func New(store storage.Store, pipe pipeline.Pipeline, broadcaster Broadcaster, cfg func() Config) Manager {
	return &mgr{
		store:       store,
		pipeline:    pipe,
		broadcaster: broadcaster,
		cfg:         cfg,
		router:      adapters.NewRouter(),
		lastSeen:    map[string]time.Time{},
		locks:       map[string]*sync.Mutex{},
	}
}

type mgr struct {
	store       storage.Store
	pipeline    pipeline.Pipeline
	broadcaster Broadcaster
	cfg         func() Config
	router      *adapters.Router

	mu       sync.Mutex
	lastSeen map[string]time.Time
	locks    map[string]*sync.Mutex
}

func (m *mgr) IngestRaw(ctx context.Context, payload adapters.RawPayload) (Result, error) {
	nr, err := m.router.Route(payload)
	if err != nil {
		if errors.Is(err, adapters.ErrPayloadIgnored) || errors.Is(err, adapters.ErrNoAdapter) {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		return Result{}, err
	}

	return m.IngestNormalized(ctx, nr)
}

func (m *mgr) IngestNormalized(ctx context.Context, nr types.NormalizedReading) (result Result, err error) {
	ctx, span := tracer.Start(ctx, "ingest-reading")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	log := logging.GetFromContext(ctx)
	cfg := m.cfg()

	device, err := m.upsertDevice(ctx, nr)
	if err != nil {
		return Result{}, err
	}

	if cfg.PairingRequired && !device.Paired {
		return Result{Outcome: OutcomeUnpaired}, nil
	}

	// the filter state is stateful and readings must land in observation
	// order, so from the throttle check on, one observation per device
	// at a time
	lock := m.deviceLock(nr.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	if !m.acceptTimestamp(nr.DeviceID, nr.ObservedAt, cfg.MinInterval) {
		return Result{Outcome: OutcomeThrottled}, nil
	}

	if cfg.RSSIFloor != nil && nr.RSSI != nil && *nr.RSSI < *cfg.RSSIFloor {
		m.releaseTimestamp(nr.DeviceID, nr.ObservedAt)
		return Result{Outcome: OutcomeWeakSignal}, nil
	}

	reading := types.Reading{
		DeviceID:  nr.DeviceID,
		Timestamp: nr.ObservedAt,
		RSSI:      nr.RSSI,
		Status:    types.ReadingStatusValid,
	}

	if nr.GravitySG == nil || nr.TemperatureC == nil {
		reading.Status = types.ReadingStatusIncomplete
		if nr.GravitySG != nil {
			reading.GravityRaw = *nr.GravitySG
		}
		if nr.TemperatureC != nil {
			reading.TemperatureRaw = *nr.TemperatureC
		}
		return m.persist(ctx, reading)
	}

	reading.GravityRaw = *nr.GravitySG
	reading.TemperatureRaw = *nr.TemperatureC

	if reading.GravityRaw < 0.5 || reading.GravityRaw > 1.2 ||
		reading.TemperatureRaw < 0.0 || reading.TemperatureRaw > 100.0 {
		reading.Status = types.ReadingStatusInvalid
		reading.GravityCalibrated = reading.GravityRaw
		reading.TemperatureCalibrated = reading.TemperatureRaw
		m.linkActiveBatch(ctx, &reading)
		return m.persist(ctx, reading)
	}

	curves, err := m.store.GetCalibration(ctx, nr.DeviceID)
	if err != nil && !errors.Is(err, storage.ErrNoRows) {
		return Result{}, err
	}

	gravityCal, temperatureCal, uncalibrated := calibrate(curves, reading.GravityRaw, reading.TemperatureRaw, nr.PreFiltered)
	reading.GravityCalibrated = gravityCal
	reading.TemperatureCalibrated = temperatureCal
	if uncalibrated && !nr.PreFiltered {
		reading.Status = types.ReadingStatusUncalibrated
	}

	processed, err := m.pipeline.Process(ctx, nr.DeviceID, gravityCal, temperatureCal, nr.ObservedAt)
	if err != nil {
		// conditioning is an enhancement, a broken filter must never
		// cost us the observation
		log.Error("pipeline failed, storing unfiltered reading", "device_id", nr.DeviceID, "err", err.Error())
		processed = types.ProcessedReading{
			GravityFiltered:     gravityCal,
			TemperatureFiltered: temperatureCal,
		}
	}

	reading.GravityFiltered = processed.GravityFiltered
	reading.TemperatureFiltered = processed.TemperatureFiltered
	reading.GravityRate = processed.GravityRate
	reading.TemperatureRate = processed.TemperatureRate
	reading.Confidence = processed.Confidence
	reading.IsAnomaly = processed.IsAnomaly
	reading.AnomalyScore = processed.AnomalyScore
	reading.AnomalyReasons = processed.AnomalyReasons

	m.linkActiveBatch(ctx, &reading)

	return m.persist(ctx, reading)
}

// linkActiveBatch stamps the reading with the batch its device is
// assigned to, if any. Invalid readings are linked too, so a batch's
// history shows everything its sensor reported.
func (m *mgr) linkActiveBatch(ctx context.Context, reading *types.Reading) {
	batch, err := m.store.ActiveBatchForDevice(ctx, reading.DeviceID)
	if err == nil {
		reading.BatchID = &batch.ID
		return
	}

	if !errors.Is(err, storage.ErrNoRows) {
		logging.GetFromContext(ctx).Warn("could not resolve active batch",
			"device_id", reading.DeviceID, "err", err.Error())
	}
}

func (m *mgr) persist(ctx context.Context, reading types.Reading) (Result, error) {
	id, err := m.store.AddReading(ctx, reading)
	if err != nil {
		return Result{}, err
	}
	reading.ID = id

	if m.broadcaster != nil {
		m.broadcaster.PublishReading(reading)
	}

	return Result{Outcome: OutcomeStored, Reading: reading}, nil
}

func (m *mgr) upsertDevice(ctx context.Context, nr types.NormalizedReading) (types.Device, error) {
	device, err := m.store.GetDevice(ctx, nr.DeviceID)
	if errors.Is(err, storage.ErrNoRows) {
		device = types.Device{
			DeviceID:              nr.DeviceID,
			Kind:                  nr.Kind,
			NativeGravityUnit:     types.GravityUnitSG,
			NativeTemperatureUnit: nativeTemperatureUnit(nr.Kind),
		}
	} else if err != nil {
		return types.Device{}, err
	}

	device.LastSeen = nr.ObservedAt

	err = m.store.UpsertDevice(ctx, device)
	if err != nil {
		return types.Device{}, err
	}

	return device, nil
}

func nativeTemperatureUnit(kind types.DeviceKind) types.TemperatureUnit {
	if kind == types.KindTilt {
		return types.TemperatureUnitFahrenheit
	}
	return types.TemperatureUnitCelsius
}

func (m *mgr) deviceLock(deviceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[deviceID] = lock
	}
	return lock
}

// acceptTimestamp reserves the throttle slot for a reading. The slot is
// taken before the RSSI check and released again if that check drops
// the reading, so a rejected observation never starves an accepted one.
func (m *mgr) acceptTimestamp(deviceID string, at time.Time, minInterval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastSeen[deviceID]
	if ok && at.Sub(last) < minInterval {
		return false
	}

	m.lastSeen[deviceID] = at
	return true
}

func (m *mgr) releaseTimestamp(deviceID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSeen[deviceID]; ok && last.Equal(at) {
		delete(m.lastSeen, deviceID)
	}
}
