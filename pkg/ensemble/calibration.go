package ensemble

import "sort"

// Calibration is the affine transform fit per model at calibration
// time, mapping that model's raw score range onto a comparable [0,1]
// scale. Lo sits at the 5th percentile of the model's calibration-time
// scores and Hi at the median, so behavior typical of the calibration
// corpus maps near 1 and anything below the corpus floor maps to 0.
type Calibration struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// FitCalibration fits the transform from raw calibration-time scores.
func FitCalibration(raw []float64) Calibration {
	if len(raw) == 0 {
		return Calibration{Lo: 0, Hi: 1}
	}
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)
	c := Calibration{
		Lo: quantile(sorted, 0.05),
		Hi: quantile(sorted, 0.50),
	}
	if c.Hi-c.Lo < 1e-9 {
		// Degenerate range: anchor at the observed point so scores at
		// the calibration level map high and drops below it map low.
		c.Lo = c.Hi - 1
	}
	return c
}

// Apply maps a raw score through the transform, clamped to [0,1].
func (c Calibration) Apply(raw float64) float64 {
	v := (raw - c.Lo) / (c.Hi - c.Lo)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// quantile interpolates over a pre-sorted slice, q in [0,1].
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
