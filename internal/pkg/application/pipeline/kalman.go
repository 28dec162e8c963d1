package pipeline

// kalmanFilter tracks a single scalar with an identity transition and
// additive process noise. That is all a fermentation signal needs: the
// velocity lives in the rate estimator, not in the filter state.
type kalmanFilter struct {
	x           float64 // filtered value
	p           float64 // variance of x
	initialized bool
}

func (k *kalmanFilter) seed(x, p float64) {
	k.x = x
	k.p = p
	k.initialized = true
}

// predict advances the state by dt hours, inflating the variance with
// the process noise q (expressed per hour).
func (k *kalmanFilter) predict(dtHours, q float64) {
	if !k.initialized || dtHours <= 0 {
		return
	}

	k.p += q * dtHours
}

// residual returns the innovation for a measurement without applying it.
func (k *kalmanFilter) residual(z float64) float64 {
	return z - k.x
}

// update folds the measurement z with variance r into the state.
func (k *kalmanFilter) update(z, r float64) {
	if !k.initialized {
		k.seed(z, r)
		return
	}

	gain := k.p / (k.p + r)
	k.x += gain * (z - k.x)
	k.p = (1 - gain) * k.p
}

func (k *kalmanFilter) confidence() float64 {
	return 1.0 / (1.0 + k.p)
}
