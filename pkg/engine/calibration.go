package engine

import (
	"fmt"
	"time"

	"trustd/pkg/behavior"
	"trustd/pkg/config"
	"trustd/pkg/ensemble"
	"trustd/pkg/models"
)

// CalibrationManager accumulates a session's calibration windows and
// turns them into a trained profile set once the minimum observation
// time and window count are met. One manager serves one session.
type CalibrationManager struct {
	cfg    *config.Config
	userID string

	windows    []behavior.FeatureVector
	firstStart time.Time
	lastEnd    time.Time
}

// NewCalibrationManager starts an empty calibration run.
func NewCalibrationManager(userID string, cfg *config.Config) *CalibrationManager {
	return &CalibrationManager{cfg: cfg, userID: userID}
}

// Add folds one completed window into the calibration corpus.
func (c *CalibrationManager) Add(w behavior.FeatureVector) {
	if len(c.windows) == 0 {
		c.firstStart = w.Start
	}
	c.lastEnd = w.End
	c.windows = append(c.windows, w)
}

// Elapsed is the observed time span of the calibration corpus,
// measured from the event stream, not the wall clock.
func (c *CalibrationManager) Elapsed() time.Duration {
	if len(c.windows) == 0 {
		return 0
	}
	return c.lastEnd.Sub(c.firstStart)
}

// Windows returns the number of accumulated calibration windows.
func (c *CalibrationManager) Windows() int { return len(c.windows) }

// Ready reports whether the corpus meets the minimum time and window
// requirements.
func (c *CalibrationManager) Ready() bool {
	return c.Elapsed() >= c.cfg.MinCalibrationTime &&
		len(c.windows) >= c.cfg.MinCalibrationWindows
}

// Reset discards the corpus, used when a session re-enters
// calibration.
func (c *CalibrationManager) Reset() {
	c.windows = nil
	c.firstStart = time.Time{}
	c.lastEnd = time.Time{}
}

// Calibrate trains all model variants and their calibration transforms
// from the corpus. Before Ready it fails with ErrCalibrationIncomplete.
// When one modality never reached minimum coverage the profile trains
// on the other and ErrInsufficientModalityData is returned alongside
// the usable set; callers surface it as a degraded result and keep
// scoring.
func (c *CalibrationManager) Calibrate(prevVersion int64) (*ensemble.ProfileSet, []behavior.FeatureStats, error) {
	if !c.Ready() {
		return nil, nil, fmt.Errorf("%w: %s observed, %d windows",
			ErrCalibrationIncomplete, c.Elapsed().Round(time.Second), len(c.windows))
	}

	ksWindows, mouseWindows := 0, 0
	for _, w := range c.windows {
		if w.HasKeystroke {
			ksWindows++
		}
		if w.HasMouse {
			mouseWindows++
		}
	}
	withKeystroke := ksWindows >= c.cfg.MinCalibrationWindows
	withMouse := mouseWindows >= c.cfg.MinCalibrationWindows
	if !withKeystroke && !withMouse {
		return nil, nil, fmt.Errorf("%w: no modality reached %d windows",
			ErrCalibrationIncomplete, c.cfg.MinCalibrationWindows)
	}

	data := models.TrainingData{
		UserID:        c.userID,
		WithKeystroke: withKeystroke,
		WithMouse:     withMouse,
	}
	for _, w := range c.windows {
		if withKeystroke && !w.HasKeystroke {
			continue
		}
		if withMouse && !w.HasMouse {
			continue
		}
		data.Windows = append(data.Windows, w)
		data.Vectors = append(data.Vectors, w.Values(withKeystroke, withMouse))
	}
	if len(data.Windows) < 3 {
		return nil, nil, fmt.Errorf("%w: only %d windows cover the trained modalities",
			ErrCalibrationIncomplete, len(data.Windows))
	}

	ps := &ensemble.ProfileSet{
		UserID:       c.userID,
		Version:      prevVersion + 1,
		Profiles:     make(map[models.Kind]*models.Profile),
		Calibrations: make(map[models.Kind]ensemble.Calibration),
	}
	for _, kind := range models.AllKinds() {
		m := models.New(kind)
		p, err := m.Train(data)
		if err != nil {
			return nil, nil, fmt.Errorf("train %s: %w", kind, err)
		}
		p.Version = ps.Version
		ps.Profiles[kind] = p
		ps.Calibrations[kind] = fitTransform(m, p, data)
	}

	names := behavior.FeatureNames(withKeystroke, withMouse)
	baseline := behavior.SnapshotStats(names, data.Vectors, c.lastEnd)

	if !withKeystroke || !withMouse {
		return ps, baseline, ErrInsufficientModalityData
	}
	return ps, baseline, nil
}

// fitTransform scores the training corpus with the freshly trained
// model and fits the percentile transform over the raw scores.
func fitTransform(m models.Model, p *models.Profile, data models.TrainingData) ensemble.Calibration {
	raw := make([]float64, 0, len(data.Windows))
	seq, isSeq := m.(models.SequenceScorer)
	for i, w := range data.Windows {
		var s float64
		var err error
		if isSeq && i > 0 {
			s, err = seq.ScoreSequence(p, data.Windows[:i+1])
		} else {
			s, err = m.Score(p, w)
		}
		if err != nil {
			continue
		}
		raw = append(raw, s)
	}
	return ensemble.FitCalibration(raw)
}
