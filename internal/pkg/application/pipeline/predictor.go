package pipeline

import (
	"time"

	"github.com/machug/brewsignal/pkg/types"
)

// Predictor estimates when a fermentation will reach its expected final
// gravity. It is a pure function of reading history: a missing or failing
// predictor never touches ingest or control.
type Predictor func(history []types.Reading, expectedFG float64) (time.Time, bool)

// LinearPredictor extrapolates the most recent gravity rate. Crude, but
// honest about it: no estimate is produced unless gravity is falling.
func LinearPredictor(history []types.Reading, expectedFG float64) (time.Time, bool) {
	if len(history) == 0 {
		return time.Time{}, false
	}

	latest := history[len(history)-1]

	if latest.GravityRate >= 0 {
		return time.Time{}, false
	}

	remaining := latest.GravityFiltered - expectedFG
	if remaining <= 0 {
		return latest.Timestamp, true
	}

	hours := remaining / -latest.GravityRate

	// beyond a month out the extrapolation is noise
	if hours > 31*24 {
		return time.Time{}, false
	}

	return latest.Timestamp.Add(time.Duration(hours * float64(time.Hour))), true
}
