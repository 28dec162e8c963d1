package controller

import (
	"testing"

	"github.com/matryer/is"
)

func TestHysteresisDecisions(t *testing.T) {
	base := DecisionInput{TargetC: 20.0, HysteresisC: 0.5}

	cases := []struct {
		name     string
		temp     float64
		heaterOn bool
		coolerOn bool
		want     Decision
	}{
		{name: "below the band heats", temp: 19.4, want: Decision{HeaterOn: true}},
		{name: "above the band cools", temp: 20.6, want: Decision{CoolerOn: true}},
		{name: "inside the band an idle batch stays idle", temp: 20.0, want: Decision{}},
		{name: "inside the band a running heater keeps running", temp: 20.2, heaterOn: true, want: Decision{HeaterOn: true}},
		{name: "inside the band a running cooler keeps running", temp: 19.8, coolerOn: true, want: Decision{CoolerOn: true}},
		{name: "exactly at the lower edge nothing switches on", temp: 19.5, want: Decision{}},
		{name: "exactly at the upper edge a running heater stays on", temp: 20.5, heaterOn: true, want: Decision{HeaterOn: true}},
		{name: "exactly at the lower edge a running cooler stays on", temp: 19.5, coolerOn: true, want: Decision{CoolerOn: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			in := base
			in.TemperatureC = tc.temp
			in.HeaterOn = tc.heaterOn
			in.CoolerOn = tc.coolerOn

			is.Equal(HysteresisDecider{}.Decide(in), tc.want)
		})
	}
}
