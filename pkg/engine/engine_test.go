package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"trustd/pkg/behavior"
	"trustd/pkg/config"
	"trustd/pkg/session"
	"trustd/pkg/store"
)

func integrationConfig() *config.Config {
	cfg := config.Default()
	cfg.WindowSize = 30 * time.Second
	cfg.MinKeystrokeEvents = 10
	cfg.MinCalibrationTime = 60 * time.Second
	cfg.MinCalibrationWindows = 10
	cfg.ProfileLockTimeout = 500 * time.Millisecond
	return cfg
}

// typist produces keystroke events on a synthetic event-time clock.
type typist struct {
	rng *rand.Rand
	at  time.Time
}

func (ty *typist) events(n int, holdMs, interMs float64) []behavior.Event {
	out := make([]behavior.Event, 0, n)
	for i := 0; i < n; i++ {
		hold := time.Duration((holdMs + ty.rng.NormFloat64()*holdMs*0.1) * float64(time.Millisecond))
		inter := time.Duration((interMs + ty.rng.NormFloat64()*interMs*0.1) * float64(time.Millisecond))
		out = append(out, behavior.Event{
			Kind:        behavior.Keystroke,
			Timestamp:   ty.at,
			Key:         "k",
			PressTime:   ty.at,
			ReleaseTime: ty.at.Add(hold),
		})
		ty.at = ty.at.Add(inter)
	}
	return out
}

func TestEngineEndToEnd(t *testing.T) {
	cfg := integrationConfig()
	mem := store.NewMemory()
	eng := New(cfg, mem, nil, zerolog.Nop())
	defer eng.Shutdown(context.Background())

	require.NoError(t, eng.OpenSession("s1", "u1"))
	require.ErrorIs(t, eng.OpenSession("s1", "u1"), ErrSessionExists)

	ty := &typist{
		rng: rand.New(rand.NewSource(17)),
		at:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	// ~67 seconds of genuine typing: enough event time and windows to
	// complete calibration.
	require.NoError(t, eng.Ingest("s1", ty.events(450, 80, 150)...))

	require.Eventually(t, func() bool {
		ev, err := eng.LatestDecision("s1")
		return err == nil && ev.State == session.StateTrusted
	}, 10*time.Second, 10*time.Millisecond, "calibration should complete and trust the session")

	st, err := eng.SessionState("s1")
	require.NoError(t, err)
	require.Equal(t, session.StateTrusted, st)

	// Profile persisted for future sessions.
	ps, err := mem.LoadProfileSet(context.Background(), "u1")
	require.NoError(t, err)
	require.NotEmpty(t, ps.Profiles)

	// A different person takes over the keyboard: slow, heavy typing.
	require.NoError(t, eng.Ingest("s1", ty.events(150, 350, 700)...))

	require.Eventually(t, func() bool {
		ev, err := eng.LatestDecision("s1")
		if err != nil {
			return false
		}
		return ev.State == session.StateSuspicious || ev.State == session.StateLocked
	}, 10*time.Second, 10*time.Millisecond, "impostor typing should leave the trusted state")

	// The decision log recorded the journey.
	evs, err := mem.Decisions(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	sawTransition := false
	for _, ev := range evs {
		if ev.Reason == session.ReasonConsecutiveLowConfidence || ev.Reason == session.ReasonSevereAnomaly {
			sawTransition = true
		}
	}
	require.True(t, sawTransition, "expected an anomaly transition in the decision log")

	require.NoError(t, eng.CloseSession("s1"))
	require.ErrorIs(t, eng.Ingest("s1", behavior.Event{}), ErrSessionNotFound)
}

// mouseMoves emits mouse movement on the typist's event-time clock.
func (ty *typist) mouseMoves(n int) []behavior.Event {
	out := make([]behavior.Event, 0, n)
	x, y := 100.0, 100.0
	for i := 0; i < n; i++ {
		x += 4 + ty.rng.Float64()
		y += 2 + ty.rng.Float64()
		out = append(out, behavior.Event{
			Kind:      behavior.MouseMove,
			Timestamp: ty.at,
			X:         x,
			Y:         y,
		})
		ty.at = ty.at.Add(50 * time.Millisecond)
	}
	return out
}

func TestEngineMouseOnlyInputNeverRecoversKeystrokeProfile(t *testing.T) {
	cfg := integrationConfig()
	mem := store.NewMemory()
	eng := New(cfg, mem, nil, zerolog.Nop())
	defer eng.Shutdown(context.Background())

	require.NoError(t, eng.OpenSession("s1", "u1"))
	ty := &typist{
		rng: rand.New(rand.NewSource(41)),
		at:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	// Calibrate a keystroke-only profile, then suspend the session with
	// one severe impostor window.
	require.NoError(t, eng.Ingest("s1", ty.events(450, 80, 150)...))
	require.Eventually(t, func() bool {
		ev, err := eng.LatestDecision("s1")
		return err == nil && ev.State == session.StateTrusted
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, eng.Ingest("s1", ty.events(10, 350, 700)...))
	require.Eventually(t, func() bool {
		ev, err := eng.LatestDecision("s1")
		return err == nil && ev.State == session.StateSuspicious
	}, 10*time.Second, 10*time.Millisecond)

	// Mouse-only windows cannot be scored against a keystroke profile;
	// they must push the session toward the hard cap, never back to
	// trusted.
	require.NoError(t, eng.Ingest("s1", ty.mouseMoves(150)...))
	require.Eventually(t, func() bool {
		ev, err := eng.LatestDecision("s1")
		return err == nil && ev.State == session.StateLocked
	}, 10*time.Second, 10*time.Millisecond, "unscorable windows should lock a suspicious session")

	evs, err := mem.Decisions(context.Background(), "s1", 0)
	require.NoError(t, err)
	for _, ev := range evs {
		require.NotEqual(t, session.ReasonRecoveredConfidence, ev.Reason,
			"unscored windows must not recover trust")
	}
}

func TestEngineResumesStoredProfile(t *testing.T) {
	cfg := integrationConfig()
	mem := store.NewMemory()

	// First session calibrates and persists the profile.
	eng := New(cfg, mem, nil, zerolog.Nop())
	require.NoError(t, eng.OpenSession("s1", "u1"))
	ty := &typist{
		rng: rand.New(rand.NewSource(23)),
		at:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, eng.Ingest("s1", ty.events(450, 80, 150)...))
	require.Eventually(t, func() bool {
		ev, err := eng.LatestDecision("s1")
		return err == nil && ev.State == session.StateTrusted
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, eng.Shutdown(context.Background()))

	// A later session for the same user skips calibration.
	eng2 := New(cfg, mem, nil, zerolog.Nop())
	defer eng2.Shutdown(context.Background())
	require.NoError(t, eng2.OpenSession("s2", "u1"))

	require.Eventually(t, func() bool {
		ev, err := eng2.LatestDecision("s2")
		return err == nil && ev.State == session.StateTrusted &&
			ev.Reason == session.ReasonCalibrationComplete
	}, 5*time.Second, 10*time.Millisecond, "stored profile should satisfy calibration")
}

func TestEngineUnknownSession(t *testing.T) {
	eng := New(integrationConfig(), store.NewMemory(), nil, zerolog.Nop())
	defer eng.Shutdown(context.Background())

	require.ErrorIs(t, eng.Ingest("ghost", behavior.Event{}), ErrSessionNotFound)
	_, err := eng.LatestDecision("ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, eng.CloseSession("ghost"), ErrSessionNotFound)
}

func TestEngineNoDecisionBeforeWindows(t *testing.T) {
	eng := New(integrationConfig(), store.NewMemory(), nil, zerolog.Nop())
	defer eng.Shutdown(context.Background())

	require.NoError(t, eng.OpenSession("s1", "u1"))
	_, err := eng.LatestDecision("s1")
	require.ErrorIs(t, err, ErrNoDecision)

	st, err := eng.SessionState("s1")
	require.NoError(t, err)
	require.Equal(t, session.StateCalibrating, st)
}
