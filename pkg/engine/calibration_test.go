package engine

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"trustd/pkg/behavior"
	"trustd/pkg/config"
	"trustd/pkg/models"
)

var calStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// calWindow builds one dual-modality window ending at calStart+offset.
func calWindow(rng *rand.Rand, offset time.Duration, keystroke, mouse bool) behavior.FeatureVector {
	fv := behavior.FeatureVector{
		WindowID:  "w",
		SessionID: "s1",
		UserID:    "u1",
		Start:     calStart.Add(offset - 30*time.Second),
		End:       calStart.Add(offset),
	}
	if keystroke {
		fv.HasKeystroke = true
		fv.KeystrokeCount = 20
		fv.Keystroke = behavior.KeystrokeFeatures{
			HoldMean:    80 + rng.NormFloat64()*8,
			HoldStd:     8 + rng.NormFloat64(),
			FlightMean:  70 + rng.NormFloat64()*7,
			FlightStd:   10 + rng.NormFloat64(),
			DigraphMean: 150 + rng.NormFloat64()*15,
			CadenceHz:   4 + rng.NormFloat64()*0.4,
		}
	}
	if mouse {
		fv.HasMouse = true
		fv.MouseCount = 15
		fv.Mouse = behavior.MouseFeatures{
			VelocityMean:      200 + rng.NormFloat64()*20,
			VelocityStd:       40 + rng.NormFloat64()*4,
			AccelMean:         10 + rng.NormFloat64(),
			CurvatureMean:     0.02 + rng.NormFloat64()*0.002,
			ClickIntervalMean: 400 + rng.NormFloat64()*40,
			ScrollRate:        0.5 + rng.NormFloat64()*0.05,
			PathLength:        800 + rng.NormFloat64()*80,
		}
	}
	return fv
}

func calConfig() *config.Config {
	cfg := config.Default()
	cfg.MinCalibrationTime = 300 * time.Second
	cfg.MinCalibrationWindows = 8
	return cfg
}

func TestCalibrateTooEarlyFails(t *testing.T) {
	cfg := calConfig()
	cm := NewCalibrationManager("u1", cfg)
	rng := rand.New(rand.NewSource(1))

	// Ten windows but only 120 seconds of observed behavior.
	for i := 0; i < 10; i++ {
		cm.Add(calWindow(rng, time.Duration(30+i*10)*time.Second, true, true))
	}
	if cm.Ready() {
		t.Fatal("120s of behavior should not be ready")
	}
	_, _, err := cm.Calibrate(0)
	if !errors.Is(err, ErrCalibrationIncomplete) {
		t.Fatalf("expected ErrCalibrationIncomplete, got %v", err)
	}
}

func TestCalibrateAfterMinimumSucceeds(t *testing.T) {
	cfg := calConfig()
	cm := NewCalibrationManager("u1", cfg)
	rng := rand.New(rand.NewSource(1))

	// Twelve dual-modality windows across a bit more than 300 seconds.
	for i := 0; i < 12; i++ {
		cm.Add(calWindow(rng, time.Duration(30+i*28)*time.Second, true, true))
	}
	if !cm.Ready() {
		t.Fatalf("%v observed over %d windows should be ready", cm.Elapsed(), cm.Windows())
	}
	ps, baseline, err := cm.Calibrate(0)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if ps.Version != 1 {
		t.Errorf("version = %d, want 1", ps.Version)
	}
	if len(ps.Profiles) != len(models.AllKinds()) {
		t.Errorf("trained %d models, want %d", len(ps.Profiles), len(models.AllKinds()))
	}
	if len(ps.Calibrations) != len(models.AllKinds()) {
		t.Errorf("fit %d calibrations, want %d", len(ps.Calibrations), len(models.AllKinds()))
	}
	if len(baseline) != behavior.Dim(true, true) {
		t.Errorf("baseline covers %d features, want %d", len(baseline), behavior.Dim(true, true))
	}
	for kind, p := range ps.Profiles {
		if !p.WithKeystroke || !p.WithMouse {
			t.Errorf("%s profile lost modality coverage", kind)
		}
	}
}

func TestCalibrateSingleModalityIsDegraded(t *testing.T) {
	cfg := calConfig()
	cm := NewCalibrationManager("u1", cfg)
	rng := rand.New(rand.NewSource(1))

	// Keystroke-only user: mouse never reaches minimum coverage.
	for i := 0; i < 12; i++ {
		cm.Add(calWindow(rng, time.Duration(30+i*28)*time.Second, true, false))
	}
	ps, baseline, err := cm.Calibrate(0)
	if !errors.Is(err, ErrInsufficientModalityData) {
		t.Fatalf("expected degraded result, got %v", err)
	}
	if ps == nil {
		t.Fatal("degraded calibration must still return a usable set")
	}
	for kind, p := range ps.Profiles {
		if !p.WithKeystroke || p.WithMouse {
			t.Errorf("%s profile coverage wrong: ks=%v mouse=%v", kind, p.WithKeystroke, p.WithMouse)
		}
		if p.Dim != behavior.Dim(true, false) {
			t.Errorf("%s dim = %d, want keystroke-only", kind, p.Dim)
		}
	}
	if len(baseline) != behavior.Dim(true, false) {
		t.Errorf("baseline covers %d features", len(baseline))
	}
}

func TestCalibrateVersionIncrements(t *testing.T) {
	cfg := calConfig()
	cm := NewCalibrationManager("u1", cfg)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 12; i++ {
		cm.Add(calWindow(rng, time.Duration(30+i*28)*time.Second, true, true))
	}
	ps, _, err := cm.Calibrate(4)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if ps.Version != 5 {
		t.Errorf("version = %d, want 5", ps.Version)
	}
	for _, p := range ps.Profiles {
		if p.Version != 5 {
			t.Errorf("profile version = %d, want 5", p.Version)
		}
	}
}

func TestCalibrationResetDiscardsCorpus(t *testing.T) {
	cfg := calConfig()
	cm := NewCalibrationManager("u1", cfg)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 12; i++ {
		cm.Add(calWindow(rng, time.Duration(30+i*28)*time.Second, true, true))
	}
	cm.Reset()
	if cm.Windows() != 0 || cm.Elapsed() != 0 || cm.Ready() {
		t.Errorf("reset left corpus: windows=%d elapsed=%v", cm.Windows(), cm.Elapsed())
	}
}
