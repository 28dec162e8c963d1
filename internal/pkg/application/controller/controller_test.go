package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/machug/brewsignal/internal/pkg/infrastructure/storage"
	"github.com/machug/brewsignal/pkg/types"
	"github.com/matryer/is"
)

type fakeActuator struct {
	mu       sync.Mutex
	state    map[string]bool
	calls    []string
	stateErr error
	cmdErr   error
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{state: map[string]bool{}}
}

func (f *fakeActuator) TurnOn(ctx context.Context, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return f.cmdErr
	}
	f.state[entityID] = true
	f.calls = append(f.calls, "on:"+entityID)
	return nil
}

func (f *fakeActuator) TurnOff(ctx context.Context, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return f.cmdErr
	}
	f.state[entityID] = false
	f.calls = append(f.calls, "off:"+entityID)
	return nil
}

func (f *fakeActuator) State(ctx context.Context, entityID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	if f.state[entityID] {
		return "on", nil
	}
	return "off", nil
}

func (f *fakeActuator) isOn(entityID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[entityID]
}

func (f *fakeActuator) set(entityID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[entityID] = on
}

func (f *fakeActuator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSource struct {
	mu      sync.Mutex
	batches []types.Batch
	temps   map[string]float64
	at      map[string]time.Time
}

func (f *fakeSource) ActiveBatches(ctx context.Context) ([]types.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Batch{}, f.batches...), nil
}

func (f *fakeSource) LatestGoodReading(ctx context.Context, deviceID string) (types.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	temp, ok := f.temps[deviceID]
	if !ok {
		return types.Reading{}, storage.ErrNoRows
	}

	return types.Reading{
		DeviceID:            deviceID,
		Timestamp:           f.at[deviceID],
		TemperatureFiltered: temp,
	}, nil
}

func (f *fakeSource) setTemp(deviceID string, temp float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.temps == nil {
		f.temps = map[string]float64{}
		f.at = map[string]time.Time{}
	}
	f.temps[deviceID] = temp
	f.at[deviceID] = at
}

func controlledBatch(id uint) types.Batch {
	deviceID := "tilt-blue"
	heater := "switch.heater"
	cooler := "switch.cooler"
	target := 20.0
	hysteresis := 0.5

	return types.Batch{
		ID:             id,
		DeviceID:       &deviceID,
		Status:         types.BatchStatusFermenting,
		HeaterEntity:   &heater,
		CoolerEntity:   &cooler,
		TempTarget:     &target,
		TempHysteresis: &hysteresis,
	}
}

func coolerOnlyBatch(id uint) types.Batch {
	batch := controlledBatch(id)
	batch.HeaterEntity = nil
	return batch
}

func testSetup(t *testing.T) (*is.I, *ctrl, *fakeSource, *fakeActuator, *time.Time) {
	is := is.New(t)

	source := &fakeSource{batches: []types.Batch{controlledBatch(1)}}
	actuator := newFakeActuator()

	now := time.Now()
	c := New(source, actuator, nil, DefaultConfig).(*ctrl)
	c.now = func() time.Time { return now }

	return is, c, source, actuator, &now
}

func TestHeatsBelowBandAndStopsAboveIt(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 19.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))
	is.Equal(c.States()[0].Mode, ModeHeating)
	is.Equal(c.States()[0].Heater, ActuatorOn)

	// back inside the band the heater keeps running
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 19.8, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))

	// even past the target, as long as the band holds
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 20.2, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))

	// only above the band does the heater drop
	*now = now.Add(5 * time.Minute)
	source.setTemp("tilt-blue", 20.6, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.heater"))
	is.True(actuator.isOn("switch.cooler"))
	is.Equal(c.States()[0].Mode, ModeCooling)
}

func TestHeaterAndCoolerAreNeverOnTogether(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 18.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))

	// a wild swing to hot: heater must drop before the cooler starts
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 23.0, *now)
	c.tick(ctx)

	is.True(!actuator.isOn("switch.heater"))
	is.True(actuator.isOn("switch.cooler"))

	for i, call := range actuator.calls {
		if call == "on:switch.cooler" {
			is.Equal(actuator.calls[i-1], "off:switch.heater")
		}
	}
}

func TestDwellBlocksRapidRecycling(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.mu.Lock()
	source.batches = []types.Batch{coolerOnlyBatch(1)}
	source.mu.Unlock()

	source.setTemp("tilt-blue", 21.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.cooler"))

	// well below the band a minute later, but the cooler was switched
	// on too recently to switch off again
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 19.1, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.cooler"))

	// once the dwell has passed the stop goes through
	*now = now.Add(5 * time.Minute)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.cooler"))

	// over the band again a minute after stopping: restart suppressed
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 20.6, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.cooler"))

	// after the dwell the same temperature switches the cooler back on
	*now = now.Add(5 * time.Minute)
	c.tick(ctx)
	is.True(actuator.isOn("switch.cooler"))
}

func TestRunawayTemperatureBypassesDwell(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.mu.Lock()
	source.batches = []types.Batch{coolerOnlyBatch(1)}
	source.mu.Unlock()

	source.setTemp("tilt-blue", 21.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.cooler"))

	// more than twice the band below target, the stop skips the dwell
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 17.0, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.cooler"))

	// and the same panic zone above target skips it for the restart
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 21.5, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.cooler"))
}

func TestStaleReadingSkipsDecision(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 18.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))

	// the hydrometer goes quiet: the batch is flagged and left alone
	*now = now.Add(6 * time.Minute)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))
	is.True(c.States()[0].Stale)

	// a fresh reading above the band resumes control
	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 20.6, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.heater"))
	is.True(!c.States()[0].Stale)
}

func TestOverrideForcesModeAndExpires(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 20.0, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.heater"))

	is.NoErr(c.SetOverride(1, ModeHeating, 10*time.Minute))
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))
	is.True(c.States()[0].Override != nil)

	// expired overrides fall back to the policy
	*now = now.Add(11 * time.Minute)
	source.setTemp("tilt-blue", 20.6, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.heater"))
	is.True(c.States()[0].Override == nil)
}

func TestOverrideUnknownBatch(t *testing.T) {
	is, c, _, _, _ := testSetup(t)

	is.Equal(c.SetOverride(99, ModeHeating, time.Minute), ErrUnknownBatch)
	is.Equal(c.ClearOverride(99), ErrUnknownBatch)
}

func TestStartupRecoversRunningHeater(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	// the heater was left running by a previous process
	actuator.set("switch.heater", true)

	// inside the band the recovered state is kept as is
	source.setTemp("tilt-blue", 20.2, *now)
	c.tick(ctx)
	is.Equal(actuator.callCount(), 0)
	is.Equal(c.States()[0].Heater, ActuatorOn)
	is.Equal(c.States()[0].Mode, ModeHeating)

	// and normal control takes it from there
	*now = now.Add(5 * time.Minute)
	source.setTemp("tilt-blue", 20.6, *now)
	c.tick(ctx)
	is.True(!actuator.isOn("switch.heater"))
}

func TestUnreachableSwitchReportsUnknown(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	actuator.mu.Lock()
	actuator.stateErr = errors.New("switch service unreachable")
	actuator.mu.Unlock()

	// heat is wanted, but neither switch state could be read yet
	source.setTemp("tilt-blue", 19.0, *now)
	c.tick(ctx)
	is.Equal(c.States()[0].Heater, ActuatorUnknown)
	is.Equal(c.States()[0].Cooler, ActuatorUnknown)
	is.Equal(actuator.callCount(), 0)

	// once the switch service answers, control resumes
	actuator.mu.Lock()
	actuator.stateErr = nil
	actuator.mu.Unlock()

	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 19.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))
	is.Equal(c.States()[0].Heater, ActuatorOn)
}

func TestFailedCommandMarksSwitchUnknown(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 20.0, *now)
	c.tick(ctx)
	is.Equal(c.States()[0].Heater, ActuatorOff)

	actuator.mu.Lock()
	actuator.cmdErr = errors.New("service call failed")
	actuator.mu.Unlock()

	*now = now.Add(time.Minute)
	source.setTemp("tilt-blue", 19.0, *now)
	c.tick(ctx)
	is.Equal(c.States()[0].Heater, ActuatorUnknown)

	// the next tick probes the switch again and retries
	actuator.mu.Lock()
	actuator.cmdErr = nil
	actuator.mu.Unlock()

	*now = now.Add(time.Minute)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))
	is.Equal(c.States()[0].Heater, ActuatorOn)
}

func TestSafeStopReleasesActuators(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 18.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))

	c.SafeStop(ctx)
	is.True(!actuator.isOn("switch.heater"))
	is.True(!actuator.isOn("switch.cooler"))
}

func TestFinishedBatchReleasesActuators(t *testing.T) {
	is, c, source, actuator, now := testSetup(t)
	ctx := context.Background()

	source.setTemp("tilt-blue", 18.0, *now)
	c.tick(ctx)
	is.True(actuator.isOn("switch.heater"))

	source.mu.Lock()
	source.batches = nil
	source.mu.Unlock()

	c.tick(ctx)
	is.True(!actuator.isOn("switch.heater"))
	is.Equal(len(c.States()), 0)
}
