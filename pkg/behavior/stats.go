package behavior

import (
	"math"
	"time"
)

// RunningStat accumulates mean and variance with Welford's online
// algorithm, so a window of any length is reduced in a single pass
// without storing samples.
type RunningStat struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Push folds one sample into the accumulator.
func (s *RunningStat) Push(v float64) {
	s.N++
	if s.N == 1 {
		s.Min, s.Max = v, v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	delta := v - s.Mean
	s.Mean += delta / float64(s.N)
	s.M2 += delta * (v - s.Mean)
}

// Variance returns the population variance of the samples seen so far.
func (s *RunningStat) Variance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.M2 / float64(s.N)
}

// Std returns the population standard deviation.
func (s *RunningStat) Std() float64 {
	return math.Sqrt(s.Variance())
}

// Reset clears the accumulator for reuse.
func (s *RunningStat) Reset() {
	*s = RunningStat{}
}

// FeatureStats is a per-feature distribution snapshot, captured at
// calibration time and compared against live statistics by the drift
// monitor.
type FeatureStats struct {
	Name      string    `json:"name"`
	Mean      float64   `json:"mean"`
	Variance  float64   `json:"variance"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotStats reduces a set of feature vectors to per-feature
// distribution statistics. names must match the vector layout.
func SnapshotStats(names []string, vectors [][]float64, at time.Time) []FeatureStats {
	accs := make([]RunningStat, len(names))
	for _, vec := range vectors {
		for i := range names {
			if i < len(vec) {
				accs[i].Push(vec[i])
			}
		}
	}
	out := make([]FeatureStats, len(names))
	for i, name := range names {
		out[i] = FeatureStats{
			Name:      name,
			Mean:      accs[i].Mean,
			Variance:  accs[i].Variance(),
			Min:       accs[i].Min,
			Max:       accs[i].Max,
			Count:     accs[i].N,
			UpdatedAt: at,
		}
	}
	return out
}
