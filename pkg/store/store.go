// Package store holds the persistence collaborators for the engine:
// trained profile sets, drift state and the decision event log.
package store

import (
	"context"
	"errors"

	"trustd/pkg/drift"
	"trustd/pkg/ensemble"
	"trustd/pkg/session"
)

// ErrNotFound is returned for users and sessions with no stored state.
var ErrNotFound = errors.New("store: not found")

// Store is the durable backend. Implementations: Postgres for
// production, Memory for tests and DB-less mode.
type Store interface {
	SaveProfileSet(ctx context.Context, ps *ensemble.ProfileSet) error
	LoadProfileSet(ctx context.Context, userID string) (*ensemble.ProfileSet, error)

	SaveDriftState(ctx context.Context, st *drift.State) error
	LoadDriftState(ctx context.Context, userID string) (*drift.State, error)

	AppendDecision(ctx context.Context, ev session.DecisionEvent) error
	Decisions(ctx context.Context, sessionID string, limit int) ([]session.DecisionEvent, error)

	Close() error
}

// Cache is the optional hot-path cache in front of the store. The
// engine treats every cache failure as a miss.
type Cache interface {
	SetLatestDecision(ctx context.Context, ev session.DecisionEvent) error
	LatestDecision(ctx context.Context, sessionID string) (*session.DecisionEvent, error)

	SetDriftState(ctx context.Context, st *drift.State) error
	DriftState(ctx context.Context, userID string) (*drift.State, error)
}
