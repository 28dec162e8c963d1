package types

// Unit conversions live at the boundary: everything internal is stored
// as Celsius and SG, other units exist only at ingress and display time.

func CelsiusFromFahrenheit(f float64) float64 {
	return (f - 32.0) * 5.0 / 9.0
}

func FahrenheitFromCelsius(c float64) float64 {
	return c*9.0/5.0 + 32.0
}

// PlatoFromSG uses the ASBC cubic approximation.
func PlatoFromSG(sg float64) float64 {
	return -616.868 + 1111.14*sg - 630.272*sg*sg + 135.997*sg*sg*sg
}

func SGFromPlato(plato float64) float64 {
	return 1.0 + plato/(258.6-(plato/258.2)*227.1)
}

// Brix and Plato are interchangeable at hydrometer precision.
func BrixFromSG(sg float64) float64 {
	return PlatoFromSG(sg)
}

func SGFromBrix(brix float64) float64 {
	return SGFromPlato(brix)
}

func ConvertGravityToSG(value float64, unit GravityUnit) float64 {
	switch unit {
	case GravityUnitPlato:
		return SGFromPlato(value)
	case GravityUnitBrix:
		return SGFromBrix(value)
	default:
		return value
	}
}

func ConvertTemperatureToCelsius(value float64, unit TemperatureUnit) float64 {
	if unit == TemperatureUnitFahrenheit {
		return CelsiusFromFahrenheit(value)
	}
	return value
}
