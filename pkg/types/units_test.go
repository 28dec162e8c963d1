package types

import (
	"math"
	"testing"

	"github.com/matryer/is"
)

func TestFahrenheitRoundTrip(t *testing.T) {
	is := is.New(t)

	for _, c := range []float64{-10.0, 0.0, 20.1, 37.5, 100.0} {
		back := CelsiusFromFahrenheit(FahrenheitFromCelsius(c))
		is.True(math.Abs(back-c) < 1e-9)
	}
}

func TestPlatoRoundTrip(t *testing.T) {
	is := is.New(t)

	for _, sg := range []float64{1.000, 1.010, 1.048, 1.060, 1.090, 1.120} {
		back := SGFromPlato(PlatoFromSG(sg))
		is.True(math.Abs(back-sg) < 0.001)
	}
}

func TestKnownConversions(t *testing.T) {
	is := is.New(t)

	is.True(math.Abs(CelsiusFromFahrenheit(68.2)-20.1) < 0.05)
	is.True(math.Abs(PlatoFromSG(1.048)-11.9) < 0.1)
	is.Equal(ConvertGravityToSG(1.052, GravityUnitSG), 1.052)
	is.True(math.Abs(ConvertTemperatureToCelsius(32.0, TemperatureUnitFahrenheit)) < 1e-9)
}
