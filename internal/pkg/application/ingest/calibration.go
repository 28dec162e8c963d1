package ingest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/machug/brewsignal/pkg/types"
)

var ErrInvalidCurve = errors.New("invalid calibration curve")

// ValidateCurve rejects curves that cannot be evaluated: linear curves
// need at least one point with strictly increasing raw values, polynomial
// curves need at least one coefficient.
func ValidateCurve(curve types.CalibrationCurve) error {
	switch curve.Kind {
	case types.CalibrationKindLinear:
		if len(curve.Points) == 0 {
			return fmt.Errorf("%w: linear curve needs at least one point", ErrInvalidCurve)
		}
		for i := 1; i < len(curve.Points); i++ {
			if curve.Points[i].Raw <= curve.Points[i-1].Raw {
				return fmt.Errorf("%w: point raw values must be strictly increasing", ErrInvalidCurve)
			}
		}
	case types.CalibrationKindPolynomial:
		if len(curve.Coefficients) == 0 {
			return fmt.Errorf("%w: polynomial curve needs at least one coefficient", ErrInvalidCurve)
		}
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidCurve, curve.Kind)
	}

	return nil
}

// applyCurve maps a raw value through a calibration curve. Linear curves
// interpolate between points and extrapolate along the edge segments; a
// single point acts as a constant offset. Polynomial curves evaluate the
// coefficients in ascending power order.
func applyCurve(curve types.CalibrationCurve, raw float64) float64 {
	switch curve.Kind {
	case types.CalibrationKindPolynomial:
		result := 0.0
		power := 1.0
		for _, c := range curve.Coefficients {
			result += c * power
			power *= raw
		}
		return result

	case types.CalibrationKindLinear:
		points := curve.Points
		if len(points) == 0 {
			return raw
		}
		if len(points) == 1 {
			return raw + (points[0].Actual - points[0].Raw)
		}

		i := sort.Search(len(points), func(i int) bool { return points[i].Raw >= raw })

		// edge segments extend past the measured range
		if i == 0 {
			i = 1
		} else if i == len(points) {
			i = len(points) - 1
		}

		lo, hi := points[i-1], points[i]
		t := (raw - lo.Raw) / (hi.Raw - lo.Raw)
		return lo.Actual + t*(hi.Actual-lo.Actual)
	}

	return raw
}

// calibrate resolves the curves for a device into calibrated gravity and
// temperature. Returns uncalibrated=true when neither quantity has a
// curve, in which case the values pass through unchanged.
func calibrate(curves []types.CalibrationCurve, gravityRaw, temperatureRaw float64, gravityPreFiltered bool) (gravityCal, temperatureCal float64, uncalibrated bool) {
	gravityCal, temperatureCal = gravityRaw, temperatureRaw
	uncalibrated = true

	for _, curve := range curves {
		switch curve.Quantity {
		case types.CalibrationQuantityGravity:
			// firmware-corrected gravity is already in the actual
			// domain, a second correction would double-apply it
			if !gravityPreFiltered {
				gravityCal = applyCurve(curve, gravityRaw)
			}
			uncalibrated = false
		case types.CalibrationQuantityTemperature:
			temperatureCal = applyCurve(curve, temperatureRaw)
			uncalibrated = false
		}
	}

	return gravityCal, temperatureCal, uncalibrated
}
