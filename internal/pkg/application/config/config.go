package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/machug/brewsignal/internal/pkg/application/controller"
	"github.com/machug/brewsignal/internal/pkg/application/ingest"
	"github.com/machug/brewsignal/internal/pkg/application/pipeline"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
)

const settingsKey = "config"

// ScannerMode selects where raw payloads come from.
type ScannerMode string

const (
	ScannerModeBLE   ScannerMode = "ble"
	ScannerModeMock  ScannerMode = "mock"
	ScannerModeFile  ScannerMode = "file"
	ScannerModeRelay ScannerMode = "relay"
)

// Snapshot is the complete runtime configuration. Changes through
// Update take effect on the next ingest or control tick without a
// restart.
type Snapshot struct {
	PairingRequired    bool `json:"pairingRequired"`
	MinIntervalSeconds int  `json:"minIntervalSeconds"`
	RSSIFloor          *int `json:"rssiFloor,omitempty"`

	TickSeconds   int     `json:"tickSeconds"`
	StaleSeconds  int     `json:"staleSeconds"`
	DwellSeconds  int     `json:"dwellSeconds"`
	RunawayFactor float64 `json:"runawayFactor"`

	RetentionDays int `json:"retentionDays"`

	// display hints for frontends, storage stays Celsius and SG
	SmoothingEnabled bool                  `json:"smoothingEnabled"`
	SmoothingSamples int                   `json:"smoothingSamples"`
	TempUnits        types.TemperatureUnit `json:"tempUnits"`
	GravityUnits     types.GravityUnit     `json:"gravityUnits"`

	Pipeline pipeline.Config `json:"pipeline"`

	Scanner       ScannerMode `json:"scanner"`
	ScannerFiles  string      `json:"scannerFiles,omitempty"`
	ScannerRelay  string      `json:"scannerRelay,omitempty"`
	MockIntervalS int         `json:"mockIntervalSeconds,omitempty"`
}

func Default() Snapshot {
	return Snapshot{
		PairingRequired:    true,
		MinIntervalSeconds: 10,
		TickSeconds:        30,
		StaleSeconds:       300,
		DwellSeconds:       300,
		RunawayFactor:      2.0,
		RetentionDays:      365,
		SmoothingSamples:   5,
		TempUnits:          types.TemperatureUnitCelsius,
		GravityUnits:       types.GravityUnitSG,
		Pipeline:           pipeline.DefaultConfig(),
		Scanner:            ScannerModeBLE,
		MockIntervalS:      10,
	}
}

var ErrInvalidConfig = errors.New("invalid configuration")

func (s Snapshot) validate() error {
	if s.MinIntervalSeconds < 0 || s.TickSeconds <= 0 || s.StaleSeconds <= 0 || s.DwellSeconds < 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if s.RunawayFactor < 1.0 {
		return fmt.Errorf("%w: runaway factor below 1 would trigger inside the band", ErrInvalidConfig)
	}
	if s.RetentionDays < 1 {
		return fmt.Errorf("%w: retention must keep at least one day", ErrInvalidConfig)
	}
	if s.SmoothingSamples < 1 {
		return fmt.Errorf("%w: smoothing needs at least one sample", ErrInvalidConfig)
	}
	switch s.TempUnits {
	case types.TemperatureUnitCelsius, types.TemperatureUnitFahrenheit:
	default:
		return fmt.Errorf("%w: unknown temperature unit %q", ErrInvalidConfig, s.TempUnits)
	}
	switch s.GravityUnits {
	case types.GravityUnitSG, types.GravityUnitPlato, types.GravityUnitBrix:
	default:
		return fmt.Errorf("%w: unknown gravity unit %q", ErrInvalidConfig, s.GravityUnits)
	}
	return nil
}

//go:generate moq -rm -out config_mock.go . Store
type Store interface {
	Get() Snapshot
	Update(ctx context.Context, next Snapshot) error
	Subscribe(fn func(Snapshot)) func()

	IngestConfig() ingest.Config
	ControllerConfig() controller.Config
}

// New loads the persisted configuration and layers the scanner related
// environment overrides on top. Overrides are not persisted, they only
// shape the running process.
func New(ctx context.Context, settings storage.Store) (Store, error) {
	snapshot := Default()

	values, err := settings.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	if raw, ok := values[settingsKey]; ok {
		if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
			return nil, fmt.Errorf("persisted configuration is corrupt: %w", err)
		}
	}

	applyEnvOverrides(ctx, &snapshot)

	if err := snapshot.validate(); err != nil {
		return nil, err
	}

	return &store{
		settings:    settings,
		snapshot:    snapshot,
		subscribers: map[int]func(Snapshot){},
	}, nil
}

func applyEnvOverrides(ctx context.Context, s *Snapshot) {
	if env.GetVariableOrDefault(ctx, "SCANNER_MOCK", "") != "" {
		s.Scanner = ScannerModeMock
	}
	if path := env.GetVariableOrDefault(ctx, "SCANNER_FILES_PATH", ""); path != "" {
		s.Scanner = ScannerModeFile
		s.ScannerFiles = path
	}
	if host := env.GetVariableOrDefault(ctx, "SCANNER_RELAY_HOST", ""); host != "" {
		s.Scanner = ScannerModeRelay
		s.ScannerRelay = host
	}
}

type store struct {
	settings storage.Store

	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

func (s *store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *store) Update(ctx context.Context, next Snapshot) error {
	if err := next.validate(); err != nil {
		return err
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return err
	}

	if err := s.settings.PutSetting(ctx, settingsKey, string(encoded)); err != nil {
		return err
	}

	s.mu.Lock()
	s.snapshot = next
	subscribers := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(next)
	}

	return nil
}

func (s *store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *store) IngestConfig() ingest.Config {
	snapshot := s.Get()

	return ingest.Config{
		MinInterval:     time.Duration(snapshot.MinIntervalSeconds) * time.Second,
		RSSIFloor:       snapshot.RSSIFloor,
		PairingRequired: snapshot.PairingRequired,
	}
}

func (s *store) ControllerConfig() controller.Config {
	snapshot := s.Get()

	return controller.Config{
		TickInterval:  time.Duration(snapshot.TickSeconds) * time.Second,
		StaleAfter:    time.Duration(snapshot.StaleSeconds) * time.Second,
		Dwell:         time.Duration(snapshot.DwellSeconds) * time.Second,
		RunawayFactor: snapshot.RunawayFactor,
	}
}
