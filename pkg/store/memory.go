package store

import (
	"context"
	"encoding/json"
	"sync"

	"trustd/pkg/drift"
	"trustd/pkg/ensemble"
	"trustd/pkg/session"
)

// Memory is an in-process Store used by tests and DISABLE_DB mode. All
// values round-trip through JSON so it exercises the same
// serialization as the Postgres store.
type Memory struct {
	mu        sync.RWMutex
	profiles  map[string][]byte
	drift     map[string][]byte
	decisions map[string][]session.DecisionEvent
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		profiles:  make(map[string][]byte),
		drift:     make(map[string][]byte),
		decisions: make(map[string][]session.DecisionEvent),
	}
}

func (m *Memory) SaveProfileSet(_ context.Context, ps *ensemble.ProfileSet) error {
	raw, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.profiles[ps.UserID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadProfileSet(_ context.Context, userID string) (*ensemble.ProfileSet, error) {
	m.mu.RLock()
	raw, ok := m.profiles[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var ps ensemble.ProfileSet
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

func (m *Memory) SaveDriftState(_ context.Context, st *drift.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.drift[st.UserID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadDriftState(_ context.Context, userID string) (*drift.State, error) {
	m.mu.RLock()
	raw, ok := m.drift[userID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var st drift.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Memory) AppendDecision(_ context.Context, ev session.DecisionEvent) error {
	m.mu.Lock()
	m.decisions[ev.SessionID] = append(m.decisions[ev.SessionID], ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Decisions(_ context.Context, sessionID string, limit int) ([]session.DecisionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs, ok := m.decisions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]session.DecisionEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *Memory) Close() error { return nil }
