// Package engine wires feature extraction, the scoring ensemble, drift
// monitoring and the session state machine into a continuous
// behavioral authentication service. Each open session is served by
// one worker goroutine consuming an ordered event queue.
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"trustd/pkg/behavior"
	"trustd/pkg/config"
	"trustd/pkg/ensemble"
	"trustd/pkg/session"
	"trustd/pkg/store"
)

// Engine is the process-wide orchestrator. It maps session ids to
// workers and user ids to profile arenas shared across that user's
// sessions.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  store.Store
	cache  store.Cache
	scorer *ensemble.Scorer

	mu      sync.RWMutex
	workers map[string]*worker
	arenas  map[string]*ProfileArena
	closed  bool
}

// New builds an engine. cache may be nil; the engine then runs without
// the read-through decision cache.
func New(cfg *config.Config, st store.Store, cache store.Cache, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "engine").Logger(),
		store:   st,
		cache:   cache,
		scorer:  ensemble.NewScorer(logger),
		workers: make(map[string]*worker),
		arenas:  make(map[string]*ProfileArena),
	}
}

// OpenSession registers a session and starts its worker. The session
// begins in Calibrating; a stored profile moves it to Trusted as soon
// as the worker restores it.
func (e *Engine) OpenSession(sessionID, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrSessionClosed
	}
	if _, ok := e.workers[sessionID]; ok {
		return ErrSessionExists
	}
	arena, ok := e.arenas[userID]
	if !ok {
		arena = NewProfileArena(e.cfg.ProfileLockTimeout)
		e.arenas[userID] = arena
	}
	w := newWorker(e, sessionID, userID, arena)
	e.workers[sessionID] = w
	activeSessions.Inc()
	go w.run()
	e.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("session opened")
	return nil
}

// Ingest queues raw events for a session in arrival order.
func (e *Engine) Ingest(sessionID string, events ...behavior.Event) error {
	e.mu.RLock()
	w, ok := e.workers[sessionID]
	e.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	for _, ev := range events {
		select {
		case w.queue <- ev:
		case <-w.quit:
			return ErrSessionClosed
		}
	}
	return nil
}

// LatestDecision returns the most recent decision event for a session.
func (e *Engine) LatestDecision(sessionID string) (*session.DecisionEvent, error) {
	e.mu.RLock()
	w, ok := e.workers[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	ev := w.latest.Load()
	if ev == nil {
		return nil, ErrNoDecision
	}
	return ev, nil
}

// SessionState returns the session's current trust state. Reads the
// worker's machine from outside its goroutine are limited to this
// snapshot via the latest decision, so the machine itself stays
// single-threaded.
func (e *Engine) SessionState(sessionID string) (session.State, error) {
	ev, err := e.LatestDecision(sessionID)
	if err == ErrNoDecision {
		return session.StateCalibrating, nil
	}
	if err != nil {
		return "", err
	}
	return ev.State, nil
}

// CloseSession stops a session's worker. Queued events that have not
// formed a complete window are discarded.
func (e *Engine) CloseSession(sessionID string) error {
	e.mu.Lock()
	w, ok := e.workers[sessionID]
	if ok {
		delete(e.workers, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	close(w.quit)
	<-w.done
	activeSessions.Dec()
	e.logger.Info().Str("session_id", sessionID).Msg("session closed")
	return nil
}

// Shutdown closes every open session and refuses new ones.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	workers := make([]*worker, 0, len(e.workers))
	for id, w := range e.workers {
		workers = append(workers, w)
		delete(e.workers, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			close(w.quit)
			<-w.done
			activeSessions.Dec()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
