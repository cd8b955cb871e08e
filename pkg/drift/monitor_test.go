package drift

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trustd/pkg/behavior"
)

func testBaseline(means []float64, variance float64) []behavior.FeatureStats {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]behavior.FeatureStats, len(means))
	for i, m := range means {
		out[i] = behavior.FeatureStats{
			Name: "f", Mean: m, Variance: variance, Count: 50, UpdatedAt: at,
		}
	}
	return out
}

func TestDriftScoreMonotoneUnderGrowingShift(t *testing.T) {
	cfg := Config{WindowCap: 10, AlertThreshold: 1.5, CriticalThreshold: 3.0, SustainedWindows: 5}
	m := NewMonitor("u1", testBaseline([]float64{10, 20}, 4), cfg, zerolog.Nop())

	var last float64
	for step := 0; step < 8; step++ {
		shift := float64(step) * 0.5
		var rep Report
		for i := 0; i < cfg.WindowCap; i++ {
			rep = m.Update([]float64{10 + shift, 20 + shift})
		}
		if rep.Score < last {
			t.Fatalf("shift %v: score %v dropped below %v", shift, rep.Score, last)
		}
		last = rep.Score
	}
	if last == 0 {
		t.Fatal("large shift should produce nonzero drift")
	}
}

func TestDriftSustainedSuggestionReemits(t *testing.T) {
	cfg := Config{WindowCap: 20, AlertThreshold: 1.0, CriticalThreshold: 5.0, SustainedWindows: 3}
	m := NewMonitor("u1", testBaseline([]float64{0}, 1), cfg, zerolog.Nop())

	// Settle the rolling buffer well past the alert threshold.
	m.Update([]float64{10})
	var suggestedAt []int
	for i := 0; i < 10; i++ {
		rep := m.Update([]float64{10})
		if rep.Sustained < cfg.SustainedWindows && rep.RecalibrationSuggested {
			t.Errorf("suggested before the sustained limit at %d", rep.Sustained)
		}
		if rep.RecalibrationSuggested {
			suggestedAt = append(suggestedAt, rep.Sustained)
		}
	}
	// Continuously elevated drift re-raises the suggestion each full
	// sustained period, so a consumer that missed one is not starved.
	want := []int{3, 6, 9}
	if len(suggestedAt) != len(want) {
		t.Fatalf("suggestions at %v, want %v", suggestedAt, want)
	}
	for i, s := range want {
		if suggestedAt[i] != s {
			t.Errorf("suggestions at %v, want %v", suggestedAt, want)
			break
		}
	}
}

func TestDriftStableBehaviorStaysQuiet(t *testing.T) {
	cfg := Config{WindowCap: 20, AlertThreshold: 1.5, CriticalThreshold: 3.0, SustainedWindows: 3}
	m := NewMonitor("u1", testBaseline([]float64{10, 20, 30}, 4), cfg, zerolog.Nop())

	for i := 0; i < 50; i++ {
		// Small wobble around the baseline means.
		w := float64(i%3) * 0.1
		rep := m.Update([]float64{10 + w, 20 - w, 30 + w})
		if rep.RecalibrationSuggested || rep.Critical {
			t.Fatalf("stable stream flagged at window %d: %+v", i, rep)
		}
	}
}

func TestDriftRingBufferEvictsOldest(t *testing.T) {
	cfg := Config{WindowCap: 5, AlertThreshold: 1.5, CriticalThreshold: 3.0, SustainedWindows: 3}
	m := NewMonitor("u1", testBaseline([]float64{0}, 1), cfg, zerolog.Nop())

	for i := 0; i < 12; i++ {
		m.Update([]float64{float64(i)})
	}
	st := m.State()
	if len(st.Rolling) != 5 {
		t.Fatalf("rolling length %d, want cap 5", len(st.Rolling))
	}
	if st.Rolling[0][0] != 7 {
		t.Errorf("oldest retained value %v, want 7", st.Rolling[0][0])
	}
}

func TestDriftRebaseClearsState(t *testing.T) {
	cfg := Config{WindowCap: 10, AlertThreshold: 0.5, CriticalThreshold: 3.0, SustainedWindows: 2}
	m := NewMonitor("u1", testBaseline([]float64{0}, 1), cfg, zerolog.Nop())
	for i := 0; i < 10; i++ {
		m.Update([]float64{8})
	}
	if m.State().Score == 0 {
		t.Fatal("expected drift before rebase")
	}

	at := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	m.Rebase(testBaseline([]float64{8}, 1), at)
	st := m.State()
	if st.Score != 0 || st.SustainedCount != 0 || len(st.Rolling) != 0 {
		t.Errorf("rebase left state behind: %+v", st)
	}
	if !st.LastRecalibration.Equal(at) {
		t.Errorf("last recalibration = %v, want %v", st.LastRecalibration, at)
	}

	rep := m.Update([]float64{8})
	rep = m.Update([]float64{8})
	if rep.Score > 0.01 {
		t.Errorf("post-rebase score %v should be near zero", rep.Score)
	}
}

func TestDriftResumeFromPersistedState(t *testing.T) {
	cfg := Config{WindowCap: 10, AlertThreshold: 1.0, CriticalThreshold: 3.0, SustainedWindows: 3}
	m := NewMonitor("u1", testBaseline([]float64{0}, 1), cfg, zerolog.Nop())
	for i := 0; i < 6; i++ {
		m.Update([]float64{5})
	}
	saved := *m.State()
	savedRolling := len(saved.Rolling)

	resumed := Resume(&saved, cfg, zerolog.Nop())
	rep := resumed.Update([]float64{5})
	if len(resumed.State().Rolling) != savedRolling+1 {
		t.Errorf("resume lost rolling buffer")
	}
	if rep.Score == 0 {
		t.Error("resumed monitor should keep accumulated drift")
	}
}
