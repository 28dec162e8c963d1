package controller

// DecisionInput is everything a decision policy gets to look at for one
// control tick of one batch.
type DecisionInput struct {
	TemperatureC float64
	TargetC      float64
	HysteresisC  float64

	HeaterOn bool
	CoolerOn bool
}

// Decision is the desired actuator state. The controller still applies
// the mutex, dwell and staleness rules on top.
type Decision struct {
	HeaterOn bool
	CoolerOn bool
}

// Decider turns a measurement into a desired actuator state. The
// default is dual-mode hysteresis; a model-predictive policy can slot
// in without touching the controller loop.
type Decider interface {
	Decide(input DecisionInput) Decision
}

// HysteresisDecider switches the heater on below target minus the band
// and off above target plus the band, mirrored for the cooler. Inside
// the band, band edges included, nothing changes state.
type HysteresisDecider struct{}

func (HysteresisDecider) Decide(in DecisionInput) Decision {
	switch {
	case in.TemperatureC < in.TargetC-in.HysteresisC:
		return Decision{HeaterOn: true}
	case in.TemperatureC > in.TargetC+in.HysteresisC:
		return Decision{CoolerOn: true}
	}

	return Decision{HeaterOn: in.HeaterOn, CoolerOn: in.CoolerOn}
}
