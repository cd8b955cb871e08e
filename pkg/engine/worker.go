package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"trustd/pkg/behavior"
	"trustd/pkg/config"
	"trustd/pkg/drift"
	"trustd/pkg/ensemble"
	"trustd/pkg/models"
	"trustd/pkg/session"
	"trustd/pkg/store"
)

const (
	eventQueueSize = 1024
	historyCap     = 16
	retrainCorpus  = 100
	storeOpTimeout = 5 * time.Second
)

type retrainResult struct {
	set      *ensemble.ProfileSet
	baseline []behavior.FeatureStats
	at       time.Time
}

// worker owns one session end to end: extraction, scoring,
// aggregation, drift and the state machine run strictly sequentially
// on its goroutine, so a window is always processed atomically and in
// arrival order.
type worker struct {
	eng       *Engine
	sessionID string
	userID    string

	queue     chan behavior.Event
	quit      chan struct{}
	done      chan struct{}
	retrained chan retrainResult

	extractor *behavior.Extractor
	machine   *session.Machine
	agg       *ensemble.Aggregator
	calib     *CalibrationManager
	arena     *ProfileArena
	monitor   *drift.Monitor

	history       []behavior.FeatureVector
	recent        []behavior.FeatureVector
	lastAggregate float64

	latest     atomic.Pointer[session.DecisionEvent]
	retraining atomic.Bool

	logger zerolog.Logger
}

func newWorker(eng *Engine, sessionID, userID string, arena *ProfileArena) *worker {
	cfg := eng.cfg
	logger := eng.logger.With().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Logger()
	return &worker{
		eng:       eng,
		sessionID: sessionID,
		userID:    userID,
		queue:     make(chan behavior.Event, eventQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		retrained: make(chan retrainResult, 1),
		extractor: behavior.NewExtractor(sessionID, userID, behavior.WindowPolicy{
			WindowSize:         cfg.WindowSize,
			MinKeystrokeEvents: cfg.MinKeystrokeEvents,
			MinMouseEvents:     cfg.MinMouseEvents,
		}),
		machine: session.NewMachine(sessionID, userID, session.Config{
			ConsecutiveAnomaliesLimit: cfg.ConsecutiveAnomaliesLimit,
			RecoveryWindows:           cfg.SuspiciousRecoveryWindows,
			SuspiciousHardCap:         cfg.SuspiciousHardCap,
			UnscoredWindowLimit:       cfg.UnscoredWindowLimit,
		}, logger),
		agg:    ensemble.NewAggregator(modelWeights(cfg), cfg.ConfidenceThreshold, cfg.AnomalyScoreThreshold),
		calib:  NewCalibrationManager(userID, cfg),
		arena:  arena,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// run is the worker goroutine. Events queued after quit closes are
// discarded along with any partially accumulated window.
func (w *worker) run() {
	defer close(w.done)
	w.restoreProfile()
	for {
		select {
		case <-w.quit:
			return
		case res := <-w.retrained:
			w.applyRetrain(res)
		case ev := <-w.queue:
			if fv, ok := w.extractor.Push(ev); ok {
				w.handleWindow(*fv)
			}
		}
	}
}

// restoreProfile loads the user's stored profile set and drift state.
// A stored profile satisfies calibration immediately; a load error
// leaves the session calibrating, never silently trusted.
func (w *worker) restoreProfile() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	if cur := w.arena.Current(); cur != nil {
		w.resumeTrusted(ctx, cur)
		return
	}

	ps, err := w.eng.store.LoadProfileSet(ctx, w.userID)
	switch {
	case err == nil:
		w.arena.Swap(ps)
		w.resumeTrusted(ctx, ps)
	case errors.Is(err, store.ErrNotFound):
		// Fresh user, calibrate from scratch.
	default:
		w.logger.Error().Err(fmt.Errorf("%w: %v", ErrModelLoad, err)).
			Msg("profile restore failed, recalibrating")
	}
}

func (w *worker) resumeTrusted(ctx context.Context, ps *ensemble.ProfileSet) {
	w.ensureMonitor(ctx, ps)
	if ev := w.machine.OnCalibrationComplete(time.Now().UTC()); ev != nil {
		w.record(ev)
	}
}

// ensureMonitor resumes the persisted drift state or starts one from
// the profile's training snapshot.
func (w *worker) ensureMonitor(ctx context.Context, ps *ensemble.ProfileSet) {
	if w.monitor != nil {
		return
	}
	cfg := drift.Config{
		WindowCap:         w.eng.cfg.DriftDetectionWindow,
		AlertThreshold:    w.eng.cfg.DriftAlertThreshold,
		CriticalThreshold: w.eng.cfg.DriftCriticalThreshold,
		SustainedWindows:  w.eng.cfg.DriftSustainedWindows,
	}
	if st, err := w.eng.store.LoadDriftState(ctx, w.userID); err == nil {
		w.monitor = drift.Resume(st, cfg, w.logger)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		w.logger.Warn().Err(err).Msg("drift state load failed, starting fresh")
	}
	w.monitor = drift.NewMonitor(w.userID, profileBaseline(ps), cfg, w.logger)
}

func (w *worker) handleWindow(fv behavior.FeatureVector) {
	timer := prometheus.NewTimer(scoringLatency)
	defer timer.ObserveDuration()
	windowsProcessed.Inc()

	if w.machine.State() == session.StateCalibrating {
		w.calibrationWindow(fv)
		return
	}
	w.scoreWindow(fv)
}

func (w *worker) calibrationWindow(fv behavior.FeatureVector) {
	w.calib.Add(fv)
	if !w.calib.Ready() {
		w.record(w.machine.OnWindow(session.Input{
			WindowID:  fv.WindowID,
			Timestamp: fv.End,
		}))
		return
	}

	var prevVersion int64
	if cur := w.arena.Current(); cur != nil {
		prevVersion = cur.Version
	}
	ps, baseline, err := w.calib.Calibrate(prevVersion)
	if err != nil && !errors.Is(err, ErrInsufficientModalityData) {
		if errors.Is(err, ErrCalibrationIncomplete) {
			w.record(w.machine.OnWindow(session.Input{WindowID: fv.WindowID, Timestamp: fv.End}))
			return
		}
		w.logger.Error().Err(err).Msg("calibration training failed")
		w.record(w.machine.OnWindow(session.Input{WindowID: fv.WindowID, Timestamp: fv.End}))
		return
	}
	if errors.Is(err, ErrInsufficientModalityData) {
		w.logger.Warn().
			Int("windows", w.calib.Windows()).
			Msg("calibrated on a single modality, profile degraded")
	}

	w.arena.Swap(ps)
	w.persistProfiles(ps)
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	w.ensureMonitor(ctx, ps)
	cancel()
	w.monitor.Rebase(baseline, fv.End)
	w.persistDrift()
	w.calib.Reset()

	if ev := w.machine.OnCalibrationComplete(fv.End); ev != nil {
		w.record(ev)
	}
}

func (w *worker) scoreWindow(fv behavior.FeatureVector) {
	ps, release, err := w.arena.Acquire()
	if err != nil {
		w.logger.Warn().Err(err).Str("window_id", fv.WindowID).
			Msg("scoring against prior profile snapshot")
	}
	if ps == nil || len(ps.Profiles) == 0 {
		if release != nil {
			release()
		}
		w.profileLost(fv)
		return
	}

	withKS, withMouse := profileCoverage(ps)
	if (withKS && !fv.HasKeystroke) || (withMouse && !fv.HasMouse) {
		if release != nil {
			release()
		}
		// Not enough signal in this window for the trained modalities;
		// carry the previous aggregate for reporting but mark the
		// window unscored so it never counts as a confident one.
		ev := w.machine.OnWindow(session.Input{
			WindowID:  fv.WindowID,
			Timestamp: fv.End,
			Aggregate: w.lastAggregate,
			Unscored:  true,
		})
		w.record(ev)
		if ev.State != ev.PrevState {
			w.agg.Reset()
		}
		return
	}

	rec := w.eng.scorer.ScoreWindow(ps, w.history, fv)
	if release != nil {
		release()
	}

	verdict, aggErr := w.agg.Aggregate(rec)
	if aggErr != nil {
		// Profiles exist but none produced a score: corrupt or stale
		// profile state. Re-enter calibration, never silent trust.
		w.logger.Error().Err(aggErr).Str("window_id", fv.WindowID).
			Msg("no model could score, profile considered lost")
		w.profileLost(fv)
		return
	}

	vec := fv.Values(withKS, withMouse)
	rep := w.monitor.Update(vec)
	w.persistDrift()

	w.history = append(w.history, fv)
	if len(w.history) > historyCap {
		w.history = w.history[len(w.history)-historyCap:]
	}

	if !verdict.Low && w.machine.State() == session.StateTrusted {
		w.recent = append(w.recent, fv)
		if len(w.recent) > retrainCorpus {
			w.recent = w.recent[len(w.recent)-retrainCorpus:]
		}
		w.arena.Update(func(set *ensemble.ProfileSet) {
			w.eng.scorer.Observe(set, fv)
		})
	}

	ev := w.machine.OnWindow(session.Input{
		WindowID:      fv.WindowID,
		Timestamp:     fv.End,
		Aggregate:     verdict.Aggregate,
		PerModel:      rec.PerModel,
		Low:           verdict.Low,
		LowStreak:     verdict.LowStreak,
		Severe:        verdict.Severe,
		DriftScore:    rep.Score,
		DriftAlert:    rep.Score > w.eng.cfg.DriftAlertThreshold,
		DriftCritical: rep.Critical,
	})
	w.record(ev)
	w.lastAggregate = verdict.Aggregate
	if ev.State != ev.PrevState {
		// The low streak belongs to the state it was counted in.
		w.agg.Reset()
	}

	if rep.RecalibrationSuggested && w.machine.State() == session.StateTrusted {
		w.startRetrain(fv.End)
	}
}

// profileLost drops the session back to calibration after a missing or
// corrupt profile.
func (w *worker) profileLost(fv behavior.FeatureVector) {
	w.calib.Reset()
	w.history = nil
	if ev := w.machine.OnProfileLoadFailure(fv.End); ev != nil {
		w.record(ev)
		return
	}
	w.record(w.machine.OnWindow(session.Input{WindowID: fv.WindowID, Timestamp: fv.End}))
}

// startRetrain trains a fresh profile set from recent confident
// windows off the worker goroutine. The result is applied back on the
// worker loop, and only if the session is still trusted.
func (w *worker) startRetrain(at time.Time) {
	if !w.retraining.CompareAndSwap(false, true) {
		return
	}
	if len(w.recent) < w.eng.cfg.MinCalibrationWindows {
		w.retraining.Store(false)
		return
	}
	corpus := append([]behavior.FeatureVector(nil), w.recent...)
	var prevVersion int64
	if cur := w.arena.Current(); cur != nil {
		prevVersion = cur.Version
	}
	w.logger.Info().Int("windows", len(corpus)).Msg("drift retrain started")

	go func() {
		defer w.retraining.Store(false)
		cm := NewCalibrationManager(w.userID, w.eng.cfg)
		for _, fv := range corpus {
			cm.Add(fv)
		}
		ps, baseline, err := cm.Calibrate(prevVersion)
		if err != nil && !errors.Is(err, ErrInsufficientModalityData) {
			w.logger.Warn().Err(err).Msg("drift retrain skipped")
			return
		}
		select {
		case w.retrained <- retrainResult{set: ps, baseline: baseline, at: at}:
		case <-w.quit:
		}
	}()
}

func (w *worker) applyRetrain(res retrainResult) {
	if w.machine.State() != session.StateTrusted {
		w.logger.Info().Msg("retrain result dropped, session no longer trusted")
		return
	}
	w.arena.Swap(res.set)
	w.persistProfiles(res.set)
	w.monitor.Rebase(res.baseline, res.at)
	w.persistDrift()
	retrainsTotal.Inc()
	w.logger.Info().Int64("version", res.set.Version).Msg("profile retrained after drift")
}

func (w *worker) record(ev *session.DecisionEvent) {
	if ev == nil {
		return
	}
	w.latest.Store(ev)
	decisionsTotal.WithLabelValues(string(ev.State), string(ev.Reason)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := w.eng.store.AppendDecision(ctx, *ev); err != nil {
		w.logger.Error().Err(err).Str("decision_id", ev.ID).Msg("decision persist failed")
	}
	if w.eng.cache != nil {
		if err := w.eng.cache.SetLatestDecision(ctx, *ev); err != nil {
			w.logger.Debug().Err(err).Msg("decision cache write failed")
		}
	}
}

func (w *worker) persistProfiles(ps *ensemble.ProfileSet) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := w.eng.store.SaveProfileSet(ctx, ps); err != nil {
		w.logger.Error().Err(err).Int64("version", ps.Version).Msg("profile persist failed")
	}
}

func (w *worker) persistDrift() {
	if w.monitor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := w.eng.store.SaveDriftState(ctx, w.monitor.State()); err != nil {
		w.logger.Debug().Err(err).Msg("drift state persist failed")
	}
	if w.eng.cache != nil {
		if err := w.eng.cache.SetDriftState(ctx, w.monitor.State()); err != nil {
			w.logger.Debug().Err(err).Msg("drift state cache write failed")
		}
	}
}

// modelWeights converts the configured name-keyed weights to model
// kinds. Nil means equal weights.
func modelWeights(cfg *config.Config) map[models.Kind]float64 {
	if len(cfg.ModelWeights) == 0 {
		return nil
	}
	out := make(map[models.Kind]float64, len(cfg.ModelWeights))
	for name, w := range cfg.ModelWeights {
		out[models.Kind(name)] = w
	}
	return out
}

// profileCoverage reads the trained modalities off any profile in the
// set; all profiles in one set share coverage.
func profileCoverage(ps *ensemble.ProfileSet) (withKeystroke, withMouse bool) {
	for _, p := range ps.Profiles {
		return p.WithKeystroke, p.WithMouse
	}
	return false, false
}

// profileBaseline reads the shared training snapshot off the set.
func profileBaseline(ps *ensemble.ProfileSet) []behavior.FeatureStats {
	for _, kind := range models.AllKinds() {
		if p := ps.Profiles[kind]; p != nil {
			return p.Snapshot
		}
	}
	return nil
}
