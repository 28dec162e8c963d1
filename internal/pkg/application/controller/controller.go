package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("brewsignal/controller")

var ErrUnknownBatch = errors.New("no controlled batch with that id")

// Config tunes the control loop. Dwell is the minimum time between
// opposite commands to the same actuator, protecting compressors and
// heating elements from short cycling. RunawayFactor widens the
// hysteresis band into a panic zone where dwell no longer applies.
type Config struct {
	TickInterval  time.Duration
	StaleAfter    time.Duration
	Dwell         time.Duration
	RunawayFactor float64
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  30 * time.Second,
		StaleAfter:    5 * time.Minute,
		Dwell:         5 * time.Minute,
		RunawayFactor: 2.0,
	}
}

type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeHeating Mode = "heating"
	ModeCooling Mode = "cooling"
	ModeOff     Mode = "off"
)

// ActuatorState is what the controller believes about a switch.
// Unknown until the first successful read from the switch service,
// and again after a failed command.
type ActuatorState string

const (
	ActuatorOn      ActuatorState = "on"
	ActuatorOff     ActuatorState = "off"
	ActuatorUnknown ActuatorState = "unknown"
)

// Override pins a batch to a fixed mode until it expires or is cleared.
type Override struct {
	Mode  Mode      `json:"mode"`
	Until time.Time `json:"until"`
}

// State is the externally visible control status of one batch.
type State struct {
	BatchID     uint    `json:"batchID"`
	DeviceID    string  `json:"deviceID"`
	Mode        Mode    `json:"mode"`
	TargetC     float64 `json:"targetC"`
	HysteresisC float64 `json:"hysteresisC"`

	TemperatureC  float64   `json:"temperatureC"`
	LastReadingAt time.Time `json:"lastReadingAt"`
	Stale         bool      `json:"stale"`

	Heater ActuatorState `json:"heater"`
	Cooler ActuatorState `json:"cooler"`

	Override *Override `json:"override,omitempty"`
}

// Actuator flips switches in the outside world and reports what state
// they are in. The home assistant client satisfies this.
type Actuator interface {
	TurnOn(ctx context.Context, entityID string) error
	TurnOff(ctx context.Context, entityID string) error
	State(ctx context.Context, entityID string) (string, error)
}

// BatchSource provides the batches under control and their freshest
// usable measurement.
type BatchSource interface {
	ActiveBatches(ctx context.Context) ([]types.Batch, error)
	LatestGoodReading(ctx context.Context, deviceID string) (types.Reading, error)
}

//go:generate moq -rm -out controller_mock.go . Controller
type Controller interface {
	Run(ctx context.Context) error
	SetOverride(batchID uint, mode Mode, duration time.Duration) error
	ClearOverride(batchID uint) error
	States() []State
	SafeStop(ctx context.Context)
}

func New(source BatchSource, actuator Actuator, decider Decider, cfg func() Config) Controller {
	if decider == nil {
		decider = HysteresisDecider{}
	}

	return &ctrl{
		source:   source,
		actuator: actuator,
		decider:  decider,
		cfg:      cfg,
		now:      time.Now,
		states:   map[uint]*batchState{},
	}
}

// switchState tracks one physical switch: the entity it maps to, the
// last state the controller observed or commanded, and when the last
// command changed it.
type switchState struct {
	entity    string
	state     ActuatorState
	changedAt time.Time
}

type batchState struct {
	state State

	heater switchState
	cooler switchState
}

type ctrl struct {
	source   BatchSource
	actuator Actuator
	decider  Decider
	cfg      func() Config
	now      func() time.Time

	mu     sync.Mutex
	states map[uint]*batchState
}

func (c *ctrl) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *ctrl) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "control-tick")
	defer span.End()

	log := logging.GetFromContext(ctx)

	batches, err := c.source.ActiveBatches(ctx)
	if err != nil {
		log.Error("could not list batches under control", "err", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[uint]bool{}

	for _, batch := range batches {
		if batch.DeviceID == nil || batch.TempTarget == nil {
			continue
		}

		seen[batch.ID] = true
		c.controlBatch(ctx, batch)
	}

	// batches that left fermentation get their actuators released
	for id, bs := range c.states {
		if !seen[id] {
			c.applyActuators(ctx, bs, Decision{}, true)
			delete(c.states, id)
		}
	}
}

func (c *ctrl) controlBatch(ctx context.Context, batch types.Batch) {
	log := logging.GetFromContext(ctx)
	cfg := c.cfg()
	now := c.now()

	bs, ok := c.states[batch.ID]
	if !ok {
		bs = &batchState{
			heater: switchState{state: ActuatorOff},
			cooler: switchState{state: ActuatorOff},
		}
		c.states[batch.ID] = bs
	}

	hysteresis := 0.5
	if batch.TempHysteresis != nil {
		hysteresis = *batch.TempHysteresis
	}

	bs.state.BatchID = batch.ID
	bs.state.DeviceID = *batch.DeviceID
	bs.state.TargetC = *batch.TempTarget
	bs.state.HysteresisC = hysteresis

	syncEntity(&bs.heater, batch.HeaterEntity)
	syncEntity(&bs.cooler, batch.CoolerEntity)

	c.probe(ctx, "heater", &bs.heater)
	c.probe(ctx, "cooler", &bs.cooler)
	bs.state.Heater = bs.heater.state
	bs.state.Cooler = bs.cooler.state

	if bs.state.Override != nil && now.After(bs.state.Override.Until) {
		bs.state.Override = nil
	}

	reading, err := c.source.LatestGoodReading(ctx, *batch.DeviceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNoRows) {
			log.Error("could not read latest measurement", "device_id", *batch.DeviceID, "err", err.Error())
		}
		bs.state.Stale = true
		return
	}

	bs.state.TemperatureC = reading.TemperatureFiltered
	bs.state.LastReadingAt = reading.Timestamp
	bs.state.Stale = now.Sub(reading.Timestamp) > cfg.StaleAfter

	// a stale measurement means no decision this tick
	if bs.state.Stale {
		log.Warn("skipping control decision, measurement is stale",
			"batch_id", batch.ID, "device_id", *batch.DeviceID)
		return
	}

	var decision Decision
	bypass := abs(reading.TemperatureFiltered-*batch.TempTarget) > cfg.RunawayFactor*hysteresis

	if bs.state.Override != nil {
		switch bs.state.Override.Mode {
		case ModeHeating:
			decision = Decision{HeaterOn: true}
		case ModeCooling:
			decision = Decision{CoolerOn: true}
		}
		bypass = true
	} else {
		decision = c.decider.Decide(DecisionInput{
			TemperatureC: reading.TemperatureFiltered,
			TargetC:      *batch.TempTarget,
			HysteresisC:  hysteresis,
			HeaterOn:     bs.heater.state == ActuatorOn,
			CoolerOn:     bs.cooler.state == ActuatorOn,
		})
	}

	c.applyActuators(ctx, bs, decision, bypass)
}

// syncEntity keeps the tracked switch bound to the batch's configured
// entity. A rebound switch starts over as unknown.
func syncEntity(sw *switchState, entity *string) {
	next := ""
	if entity != nil {
		next = *entity
	}

	if sw.entity == next {
		return
	}

	sw.entity = next
	sw.changedAt = time.Time{}
	sw.state = ActuatorOff
	if next != "" {
		sw.state = ActuatorUnknown
	}
}

// probe asks the switch service what state an unknown switch is
// actually in, so a restart never assumes a running heater is off.
func (c *ctrl) probe(ctx context.Context, name string, sw *switchState) {
	if sw.entity == "" || sw.state != ActuatorUnknown {
		return
	}

	state, err := c.actuator.State(ctx, sw.entity)
	if err != nil {
		logging.GetFromContext(ctx).Warn("could not read switch state",
			"switch", name, "entity", sw.entity, "err", err.Error())
		return
	}

	switch state {
	case "on":
		sw.state = ActuatorOn
	case "off":
		sw.state = ActuatorOff
	}
}

// applyActuators reconciles desired against believed state. A command
// in either direction waits out the dwell since the previous opposite
// command, unless the temperature has run away or an override forces
// the issue. The two switches are mutually exclusive: one may only go
// on once the other is known to be off, and the transition through
// both-off happens within a single tick. A failed command leaves the
// switch unknown so the next tick probes it again.
func (c *ctrl) applyActuators(ctx context.Context, bs *batchState, want Decision, bypass bool) {
	// never both
	if want.HeaterOn && want.CoolerOn {
		want = Decision{}
	}

	now := c.now()
	cfg := c.cfg()
	log := logging.GetFromContext(ctx)

	dwellOver := func(changedAt time.Time) bool {
		return bypass || changedAt.IsZero() || now.Sub(changedAt) >= cfg.Dwell
	}

	turnOff := func(name string, sw *switchState, wantOn bool) {
		if wantOn || sw.entity == "" || sw.state == ActuatorOff || !dwellOver(sw.changedAt) {
			return
		}

		if err := c.actuator.TurnOff(ctx, sw.entity); err != nil {
			log.Error("could not switch off", "switch", name, "entity", sw.entity, "err", err.Error())
			sw.state = ActuatorUnknown
			return
		}

		sw.state = ActuatorOff
		sw.changedAt = now
	}

	turnOn := func(name string, sw, other *switchState, wantOn bool) {
		if !wantOn || sw.entity == "" || sw.state == ActuatorOn || !dwellOver(sw.changedAt) {
			return
		}

		if other.entity != "" && other.state != ActuatorOff {
			return
		}

		if err := c.actuator.TurnOn(ctx, sw.entity); err != nil {
			log.Error("could not switch on", "switch", name, "entity", sw.entity, "err", err.Error())
			sw.state = ActuatorUnknown
			return
		}

		sw.state = ActuatorOn
		sw.changedAt = now
	}

	turnOff("heater", &bs.heater, want.HeaterOn)
	turnOff("cooler", &bs.cooler, want.CoolerOn)
	turnOn("heater", &bs.heater, &bs.cooler, want.HeaterOn)
	turnOn("cooler", &bs.cooler, &bs.heater, want.CoolerOn)

	bs.state.Heater = bs.heater.state
	bs.state.Cooler = bs.cooler.state

	switch {
	case bs.heater.state == ActuatorOn:
		bs.state.Mode = ModeHeating
	case bs.cooler.state == ActuatorOn:
		bs.state.Mode = ModeCooling
	case bs.state.Override != nil && bs.state.Override.Mode == ModeOff:
		bs.state.Mode = ModeOff
	default:
		bs.state.Mode = ModeIdle
	}
}

func (c *ctrl) SetOverride(batchID uint, mode Mode, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bs, ok := c.states[batchID]
	if !ok {
		return ErrUnknownBatch
	}

	bs.state.Override = &Override{Mode: mode, Until: c.now().Add(duration)}
	return nil
}

func (c *ctrl) ClearOverride(batchID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bs, ok := c.states[batchID]
	if !ok {
		return ErrUnknownBatch
	}

	bs.state.Override = nil
	return nil
}

func (c *ctrl) States() []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make([]State, 0, len(c.states))
	for _, bs := range c.states {
		states = append(states, bs.state)
	}

	return states
}

// SafeStop forces every known actuator off. Called on shutdown so a
// crash-restart cycle never leaves a heater running unattended.
func (c *ctrl) SafeStop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, bs := range c.states {
		c.applyActuators(ctx, bs, Decision{}, true)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
