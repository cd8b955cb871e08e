// Package drift watches for gradual change between a user's
// calibration-time feature distribution and their recent behavior.
// Drift alone never locks a session; it only suggests recalibration,
// and feeds the joint drift-plus-anomaly evaluation in the engine.
package drift

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"trustd/pkg/behavior"
)

var (
	driftScoreGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustd_drift_score",
		Help: "Current behavioral drift score per user",
	}, []string{"user_id"})
	recalibrationSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustd_drift_recalibration_signals_total",
		Help: "Number of recalibration suggestions emitted",
	})
)

func init() {
	prometheus.MustRegister(driftScoreGauge)
	prometheus.MustRegister(recalibrationSignals)
}

// Config bounds the monitor's memory and thresholds.
type Config struct {
	WindowCap         int
	AlertThreshold    float64
	CriticalThreshold float64
	SustainedWindows  int
}

// State is the serializable drift state for one user, persisted across
// sessions so drift accumulates over days of use.
type State struct {
	UserID            string                  `json:"user_id"`
	Baseline          []behavior.FeatureStats `json:"baseline"`
	Rolling           [][]float64             `json:"rolling"`
	Score             float64                 `json:"score"`
	SustainedCount    int                     `json:"sustained_count"`
	LastRecalibration time.Time               `json:"last_recalibration"`
}

// Report is the monitor's evaluation of one window.
type Report struct {
	Score                  float64
	Sustained              int
	RecalibrationSuggested bool
	Critical               bool
}

// Monitor compares rolling feature statistics against the
// calibration-time baseline. Not safe for concurrent use; each session
// worker owns one.
type Monitor struct {
	cfg    Config
	state  *State
	logger zerolog.Logger
}

// NewMonitor starts a monitor from a fresh baseline.
func NewMonitor(userID string, baseline []behavior.FeatureStats, cfg Config, logger zerolog.Logger) *Monitor {
	return Resume(&State{
		UserID:            userID,
		Baseline:          baseline,
		LastRecalibration: baselineTime(baseline),
	}, cfg, logger)
}

// Resume continues a monitor from persisted state.
func Resume(state *State, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.WindowCap <= 0 {
		cfg.WindowCap = 100
	}
	if cfg.SustainedWindows <= 0 {
		cfg.SustainedWindows = 5
	}
	return &Monitor{
		cfg:    cfg,
		state:  state,
		logger: logger.With().Str("component", "drift").Str("user_id", state.UserID).Logger(),
	}
}

// State exposes the serializable state for persistence.
func (m *Monitor) State() *State { return m.state }

// Update folds one window's feature vector into the rolling
// distribution and re-evaluates drift. The rolling buffer evicts
// oldest-first at capacity. The drift score is the mean standardized
// shift of the rolling mean from the baseline mean across features; it
// is monotone in the size of a sustained shift.
func (m *Monitor) Update(vec []float64) Report {
	st := m.state
	st.Rolling = append(st.Rolling, append([]float64(nil), vec...))
	if len(st.Rolling) > m.cfg.WindowCap {
		st.Rolling = st.Rolling[len(st.Rolling)-m.cfg.WindowCap:]
	}
	st.Score = m.score()
	driftScoreGauge.WithLabelValues(st.UserID).Set(st.Score)

	if st.Score > m.cfg.AlertThreshold {
		st.SustainedCount++
	} else {
		st.SustainedCount = 0
	}

	rep := Report{
		Score:     st.Score,
		Sustained: st.SustainedCount,
		Critical:  st.Score > m.cfg.CriticalThreshold,
	}
	// Re-emit every SustainedWindows windows while the exceedance
	// lasts; a consumer that could not act on the first suggestion
	// (retrain already in flight, corpus too small) gets another.
	if st.SustainedCount >= m.cfg.SustainedWindows &&
		st.SustainedCount%m.cfg.SustainedWindows == 0 {
		rep.RecalibrationSuggested = true
		recalibrationSignals.Inc()
		m.logger.Info().
			Float64("drift_score", st.Score).
			Int("sustained", st.SustainedCount).
			Msg("sustained drift, suggesting recalibration")
	}
	return rep
}

// Rebase installs a fresh baseline after recalibration and clears the
// rolling buffer.
func (m *Monitor) Rebase(baseline []behavior.FeatureStats, at time.Time) {
	m.state.Baseline = baseline
	m.state.Rolling = nil
	m.state.Score = 0
	m.state.SustainedCount = 0
	m.state.LastRecalibration = at
	driftScoreGauge.WithLabelValues(m.state.UserID).Set(0)
}

func (m *Monitor) score() float64 {
	st := m.state
	if len(st.Baseline) == 0 || len(st.Rolling) < 2 {
		return 0
	}
	dim := len(st.Baseline)
	sums := make([]float64, dim)
	for _, v := range st.Rolling {
		for i := 0; i < dim && i < len(v); i++ {
			sums[i] += v[i]
		}
	}
	n := float64(len(st.Rolling))
	total := 0.0
	for i, base := range st.Baseline {
		sigma := sqrtFloor(base.Variance)
		shift := sums[i]/n - base.Mean
		if shift < 0 {
			shift = -shift
		}
		total += shift / sigma
	}
	return total / float64(dim)
}

func sqrtFloor(variance float64) float64 {
	s := math.Sqrt(variance)
	if s < 1e-6 {
		return 1e-6
	}
	return s
}

func baselineTime(baseline []behavior.FeatureStats) time.Time {
	if len(baseline) == 0 {
		return time.Time{}
	}
	return baseline[0].UpdatedAt
}
