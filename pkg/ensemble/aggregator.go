package ensemble

import (
	"trustd/pkg/models"
)

// Aggregator folds calibrated per-model scores into one trust score
// per window and tracks the run of consecutive low-confidence windows
// for the session state machine. One aggregator serves one session.
type Aggregator struct {
	weights             map[models.Kind]float64
	confidenceThreshold float64
	anomalyThreshold    float64
	lowStreak           int
}

// Verdict is the aggregated outcome of one window.
type Verdict struct {
	Aggregate float64
	Available int
	LowStreak int
	Low       bool
	Severe    bool
}

// NewAggregator builds an aggregator with the configured per-model
// weights and thresholds.
func NewAggregator(weights map[models.Kind]float64, confidenceThreshold, anomalyThreshold float64) *Aggregator {
	w := make(map[models.Kind]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Aggregator{
		weights:             w,
		confidenceThreshold: confidenceThreshold,
		anomalyThreshold:    anomalyThreshold,
	}
}

// Aggregate computes the weighted mean of the available per-model
// scores, renormalizing weights over the models that actually scored.
// With no available models the window cannot be judged and an
// untrained error is returned; the caller must not treat that as
// genuine.
func (a *Aggregator) Aggregate(rec *ScoreRecord) (*Verdict, error) {
	if len(rec.PerModel) == 0 {
		return nil, &models.UntrainedError{Kind: "ensemble"}
	}
	sum, wsum := 0.0, 0.0
	for kind, score := range rec.PerModel {
		w, ok := a.weights[kind]
		if !ok {
			w = 1
		}
		if w <= 0 {
			continue
		}
		sum += w * score
		wsum += w
	}
	if wsum <= 0 {
		return nil, &models.UntrainedError{Kind: "ensemble"}
	}
	agg := sum / wsum
	if agg < 0 {
		agg = 0
	} else if agg > 1 {
		agg = 1
	}
	rec.Aggregate = agg

	v := &Verdict{
		Aggregate: agg,
		Available: len(rec.PerModel),
		Low:       agg < a.confidenceThreshold,
		Severe:    agg < 1-a.anomalyThreshold,
	}
	if v.Low {
		a.lowStreak++
	} else {
		a.lowStreak = 0
	}
	v.LowStreak = a.lowStreak
	return v, nil
}

// Reset clears the low-confidence streak, used when a session
// transitions state and the streak must restart.
func (a *Aggregator) Reset() {
	a.lowStreak = 0
}
