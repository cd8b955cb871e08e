// Package ensemble runs the scoring model variants over each completed
// feature window and folds their calibrated scores into one aggregate
// trust score.
package ensemble

import (
	"time"

	"github.com/rs/zerolog"

	"trustd/pkg/behavior"
	"trustd/pkg/models"
)

// ProfileSet is the trained state for one user: one profile and one
// calibration transform per model kind. Kinds may be missing; the
// scorer omits them rather than defaulting their scores.
type ProfileSet struct {
	UserID       string                          `json:"user_id"`
	Version      int64                           `json:"version"`
	Profiles     map[models.Kind]*models.Profile `json:"profiles"`
	Calibrations map[models.Kind]Calibration     `json:"calibrations"`
}

// ScoreRecord is the outcome of scoring one window. PerModel holds
// calibrated scores for the models that produced one; models that were
// untrained or failed are absent, with the failure reason under Errors.
type ScoreRecord struct {
	WindowID  string                  `json:"window_id"`
	SessionID string                  `json:"session_id"`
	Timestamp time.Time               `json:"timestamp"`
	PerModel  map[models.Kind]float64 `json:"per_model"`
	Errors    map[models.Kind]string  `json:"errors,omitempty"`
	Aggregate float64                 `json:"aggregate"`
}

// Scorer invokes every trained model over a window, isolating
// per-model failures so one broken model never blocks a decision.
type Scorer struct {
	models map[models.Kind]models.Model
	logger zerolog.Logger
}

// NewScorer builds a scorer over all model variants.
func NewScorer(logger zerolog.Logger) *Scorer {
	ms := make(map[models.Kind]models.Model, len(models.AllKinds()))
	for _, kind := range models.AllKinds() {
		ms[kind] = models.New(kind)
	}
	return &Scorer{
		models: ms,
		logger: logger.With().Str("component", "ensemble").Logger(),
	}
}

// ScoreWindow scores one window against a profile set. history holds
// the session's preceding windows, newest last, for sequence-aware
// models. Raw per-model scores pass through the set's calibration
// transforms before aggregation by the caller.
func (s *Scorer) ScoreWindow(ps *ProfileSet, history []behavior.FeatureVector, w behavior.FeatureVector) *ScoreRecord {
	rec := &ScoreRecord{
		WindowID:  w.WindowID,
		SessionID: w.SessionID,
		Timestamp: w.End,
		PerModel:  make(map[models.Kind]float64),
	}
	if ps == nil {
		return rec
	}
	for kind, m := range s.models {
		p := ps.Profiles[kind]
		if p == nil {
			continue
		}
		raw, err := s.scoreOne(m, p, history, w)
		if err != nil {
			if rec.Errors == nil {
				rec.Errors = make(map[models.Kind]string)
			}
			rec.Errors[kind] = err.Error()
			if !models.IsUntrained(err) {
				s.logger.Warn().
					Str("window_id", w.WindowID).
					Str("model", string(kind)).
					Err(err).
					Msg("model failed to score window")
			}
			continue
		}
		if cal, ok := ps.Calibrations[kind]; ok {
			raw = cal.Apply(raw)
		}
		rec.PerModel[kind] = raw
	}
	return rec
}

func (s *Scorer) scoreOne(m models.Model, p *models.Profile, history []behavior.FeatureVector, w behavior.FeatureVector) (float64, error) {
	if seq, ok := m.(models.SequenceScorer); ok && len(history) > 0 {
		full := append(append([]behavior.FeatureVector(nil), history...), w)
		return seq.ScoreSequence(p, full)
	}
	return m.Score(p, w)
}

// Observe feeds a confirmed-genuine window to models that update
// incrementally between retrainings.
func (s *Scorer) Observe(ps *ProfileSet, w behavior.FeatureVector) {
	if ps == nil {
		return
	}
	for kind, m := range s.models {
		obs, ok := m.(models.Observer)
		if !ok {
			continue
		}
		p := ps.Profiles[kind]
		if p == nil {
			continue
		}
		if err := obs.Observe(p, w); err != nil {
			s.logger.Warn().
				Str("model", string(kind)).
				Err(err).
				Msg("incremental observe failed")
		}
	}
}
