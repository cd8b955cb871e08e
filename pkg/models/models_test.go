package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"trustd/pkg/behavior"
)

func asScoreError(err error, target **ScoreError) bool {
	return errors.As(err, target)
}

func unmarshalParams(p *Profile, out any) error {
	return json.Unmarshal(p.Params, out)
}

// baseline feature values for a synthetic genuine user, ordered to
// match behavior.FeatureNames(true, true).
var genuineBase = []float64{80, 8, 70, 10, 150, 4, 200, 40, 10, 0.02, 400, 0.5, 800}

func synthWindow(rng *rand.Rand, shift float64) behavior.FeatureVector {
	vals := make([]float64, len(genuineBase))
	for i, b := range genuineBase {
		sigma := 0.1 * b
		vals[i] = b + rng.NormFloat64()*sigma + shift*sigma*3
	}
	return windowFromValues(vals)
}

func windowFromValues(v []float64) behavior.FeatureVector {
	return behavior.FeatureVector{
		HasKeystroke:   true,
		HasMouse:       true,
		KeystrokeCount: 20,
		MouseCount:     15,
		Keystroke: behavior.KeystrokeFeatures{
			HoldMean: v[0], HoldStd: v[1], FlightMean: v[2], FlightStd: v[3],
			DigraphMean: v[4], CadenceHz: v[5],
		},
		Mouse: behavior.MouseFeatures{
			VelocityMean: v[6], VelocityStd: v[7], AccelMean: v[8],
			CurvatureMean: v[9], ClickIntervalMean: v[10], ScrollRate: v[11],
			PathLength: v[12],
		},
	}
}

func synthTraining(n int, seed int64) TrainingData {
	rng := rand.New(rand.NewSource(seed))
	data := TrainingData{UserID: "u1", WithKeystroke: true, WithMouse: true}
	for i := 0; i < n; i++ {
		w := synthWindow(rng, 0)
		data.Windows = append(data.Windows, w)
		data.Vectors = append(data.Vectors, w.Values(true, true))
	}
	return data
}

func meanScore(t *testing.T, m Model, p *Profile, windows []behavior.FeatureVector) float64 {
	t.Helper()
	sum := 0.0
	for _, w := range windows {
		s, err := m.Score(p, w)
		if err != nil {
			t.Fatalf("%s score: %v", m.Kind(), err)
		}
		if s < 0 || s > 1 {
			t.Fatalf("%s score %v out of [0,1]", m.Kind(), s)
		}
		sum += s
	}
	return sum / float64(len(windows))
}

func TestScoreWithoutProfile(t *testing.T) {
	for _, kind := range AllKinds() {
		m := New(kind)
		if m == nil {
			t.Fatalf("no implementation for kind %s", kind)
		}
		_, err := m.Score(nil, windowFromValues(genuineBase))
		if !IsUntrained(err) {
			t.Errorf("%s: expected untrained error, got %v", kind, err)
		}
	}
}

func TestScoreDimensionMismatch(t *testing.T) {
	data := synthTraining(40, 7)
	for _, kind := range AllKinds() {
		m := New(kind)
		p, err := m.Train(data)
		if err != nil {
			t.Fatalf("%s train: %v", kind, err)
		}
		p.Dim++ // stale profile from an older feature layout
		_, err = m.Score(p, windowFromValues(genuineBase))
		var se *ScoreError
		if err == nil {
			t.Errorf("%s: expected score error on dimension mismatch", kind)
		} else if !asScoreError(err, &se) {
			t.Errorf("%s: expected *ScoreError, got %T", kind, err)
		}
	}
}

func TestModelsSeparateGenuineFromImpostor(t *testing.T) {
	data := synthTraining(60, 7)
	rng := rand.New(rand.NewSource(99))

	var genuine, impostor []behavior.FeatureVector
	for i := 0; i < 15; i++ {
		genuine = append(genuine, synthWindow(rng, 0))
		impostor = append(impostor, synthWindow(rng, 1))
	}

	for _, kind := range AllKinds() {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			m := New(kind)
			p, err := m.Train(data)
			if err != nil {
				t.Fatalf("train: %v", err)
			}
			if p.Version != 1 || p.Dim != len(genuineBase) {
				t.Fatalf("profile metadata wrong: version=%d dim=%d", p.Version, p.Dim)
			}
			g := meanScore(t, m, p, genuine)
			a := meanScore(t, m, p, impostor)
			if g <= a {
				t.Errorf("genuine mean %.3f not above impostor mean %.3f", g, a)
			}
		})
	}
}

func TestSequenceHistoryScoring(t *testing.T) {
	data := synthTraining(60, 7)
	m := &SequenceModel{}
	p, err := m.Train(data)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	var genuine, impostor []behavior.FeatureVector
	for i := 0; i < 12; i++ {
		genuine = append(genuine, synthWindow(rng, 0))
		impostor = append(impostor, synthWindow(rng, 1.5))
	}

	g, err := m.ScoreSequence(p, genuine)
	if err != nil {
		t.Fatalf("genuine history: %v", err)
	}
	a, err := m.ScoreSequence(p, impostor)
	if err != nil {
		t.Fatalf("impostor history: %v", err)
	}
	if g <= a {
		t.Errorf("genuine likelihood %.4f not above impostor %.4f", g, a)
	}

	// A short history pads by repeating the last symbol and still scores.
	short, err := m.ScoreSequence(p, genuine[:2])
	if err != nil {
		t.Fatalf("short history: %v", err)
	}
	if short < 0 || short > 1 {
		t.Errorf("padded history score %v out of [0,1]", short)
	}
}

func TestNearNeighborObserveEvictsOldest(t *testing.T) {
	data := synthTraining(30, 7)
	m := &NearNeighborModel{}
	p, err := m.Train(data)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < nnDefaultCap+20; i++ {
		if err := m.Observe(p, synthWindow(rng, 0)); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}

	var params nearNeighborParams
	if err := unmarshalParams(p, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(params.Window) != nnDefaultCap {
		t.Errorf("window length %d, want cap %d", len(params.Window), nnDefaultCap)
	}

	s, err := m.Score(p, synthWindow(rng, 0))
	if err != nil {
		t.Fatalf("score after observe: %v", err)
	}
	if s < 0 || s > 1 {
		t.Errorf("score %v out of [0,1]", s)
	}
}

func TestIsolationForestReproducible(t *testing.T) {
	data := synthTraining(50, 7)
	m := &IsolationModel{}
	p1, err := m.Train(data)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	p2, err := m.Train(data)
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if !bytes.Equal(p1.Params, p2.Params) {
		t.Error("same corpus should build identical forests")
	}
}
