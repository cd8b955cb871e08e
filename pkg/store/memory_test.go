package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustd/pkg/drift"
	"trustd/pkg/ensemble"
	"trustd/pkg/models"
	"trustd/pkg/session"
)

func TestMemoryProfileRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.LoadProfileSet(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}

	ps := &ensemble.ProfileSet{
		UserID:  "u1",
		Version: 3,
		Profiles: map[models.Kind]*models.Profile{
			models.KindBoundary: {
				UserID: "u1", Kind: models.KindBoundary, Version: 3, Dim: 13,
				WithKeystroke: true, WithMouse: true,
				Params: []byte(`{"gamma":0.07}`),
			},
		},
		Calibrations: map[models.Kind]ensemble.Calibration{
			models.KindBoundary: {Lo: 0.2, Hi: 0.8},
		},
	}
	if err := m.SaveProfileSet(ctx, ps); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.LoadProfileSet(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 3 || got.Profiles[models.KindBoundary].Dim != 13 {
		t.Errorf("round trip lost data: %+v", got)
	}
	if got.Calibrations[models.KindBoundary].Hi != 0.8 {
		t.Errorf("calibration lost: %+v", got.Calibrations)
	}
}

func TestMemoryDriftRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := &drift.State{
		UserID:         "u1",
		Rolling:        [][]float64{{1, 2}, {3, 4}},
		Score:          0.4,
		SustainedCount: 2,
	}
	if err := m.SaveDriftState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.LoadDriftState(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Score != 0.4 || len(got.Rolling) != 2 || got.SustainedCount != 2 {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestMemoryDecisionLog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := session.DecisionEvent{
			ID: string(rune('a' + i)), SessionID: "s1", UserID: "u1",
			Timestamp: at.Add(time.Duration(i) * time.Second),
			State:     session.StateTrusted, Reason: session.ReasonScoreUpdate,
		}
		if err := m.AppendDecision(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	evs, err := m.Decisions(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("limit ignored, got %d", len(evs))
	}
	if evs[len(evs)-1].ID != "e" {
		t.Errorf("expected newest decisions retained, got %+v", evs)
	}

	if _, err := m.Decisions(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: %v", err)
	}
}
