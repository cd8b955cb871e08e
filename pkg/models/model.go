// Package models holds the scoring model variants behind the behavioral
// ensemble. Every model trains a serializable Profile from calibration
// windows and scores live windows against it; scores are
// genuineness-oriented, 1.0 fully consistent with the profiled user and
// 0.0 maximally anomalous.
package models

import (
	"encoding/json"
	"time"

	"trustd/pkg/behavior"
)

// Kind identifies a scoring model variant.
type Kind string

const (
	KindSequence       Kind = "sequence"
	KindReconstruction Kind = "reconstruction"
	KindBoundary       Kind = "boundary"
	KindNearNeighbor   Kind = "nearneighbor"
	KindLinear         Kind = "linear"
	KindIsolation      Kind = "isolation"
)

// AllKinds lists every variant in ensemble order.
func AllKinds() []Kind {
	return []Kind{
		KindSequence, KindReconstruction, KindBoundary,
		KindNearNeighbor, KindLinear, KindIsolation,
	}
}

// TrainingData is the calibration corpus handed to Train. Vectors is
// the flattened numeric form of Windows restricted to the covered
// modalities; both orderings match.
type TrainingData struct {
	UserID        string
	WithKeystroke bool
	WithMouse     bool
	Vectors       [][]float64
	Windows       []behavior.FeatureVector
}

// Profile is one trained model state for one user. Params carries the
// kind-specific parameters as JSON so profiles round-trip through the
// store without the store knowing model internals.
type Profile struct {
	UserID        string                  `json:"user_id"`
	Kind          Kind                    `json:"kind"`
	Version       int64                   `json:"version"`
	Dim           int                     `json:"dim"`
	WithKeystroke bool                    `json:"with_keystroke"`
	WithMouse     bool                    `json:"with_mouse"`
	TrainedAt     time.Time               `json:"trained_at"`
	Snapshot      []behavior.FeatureStats `json:"snapshot"`
	Params        json.RawMessage         `json:"params"`
}

// Model is one scoring variant. Implementations are stateless; all
// trained state lives in the Profile so it can be stored, versioned and
// swapped atomically.
type Model interface {
	Kind() Kind
	Train(data TrainingData) (*Profile, error)
	Score(p *Profile, v behavior.FeatureVector) (float64, error)
}

// SequenceScorer is implemented by models that score a window in the
// context of the windows preceding it.
type SequenceScorer interface {
	ScoreSequence(p *Profile, history []behavior.FeatureVector) (float64, error)
}

// Observer is implemented by models that fold confirmed-genuine windows
// into their profile between retrainings.
type Observer interface {
	Observe(p *Profile, v behavior.FeatureVector) error
}

// New returns the model implementation for a kind, or nil for an
// unknown kind.
func New(kind Kind) Model {
	switch kind {
	case KindSequence:
		return &SequenceModel{}
	case KindReconstruction:
		return &ReconstructionModel{}
	case KindBoundary:
		return &BoundaryModel{}
	case KindNearNeighbor:
		return &NearNeighborModel{}
	case KindLinear:
		return &LinearModel{}
	case KindIsolation:
		return &IsolationModel{}
	default:
		return nil
	}
}

// newProfile fills the kind-independent profile fields.
func newProfile(kind Kind, data TrainingData, params any) (*Profile, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &ScoreError{Kind: kind, Reason: "marshal params: " + err.Error()}
	}
	trainedAt := time.Now().UTC()
	if n := len(data.Windows); n > 0 {
		trainedAt = data.Windows[n-1].End
	}
	names := behavior.FeatureNames(data.WithKeystroke, data.WithMouse)
	return &Profile{
		UserID:        data.UserID,
		Kind:          kind,
		Version:       1,
		Dim:           behavior.Dim(data.WithKeystroke, data.WithMouse),
		WithKeystroke: data.WithKeystroke,
		WithMouse:     data.WithMouse,
		TrainedAt:     trainedAt,
		Snapshot:      behavior.SnapshotStats(names, data.Vectors, trainedAt),
		Params:        raw,
	}, nil
}

// checkScorable validates the profile/window pair before scoring.
func checkScorable(kind Kind, p *Profile, v behavior.FeatureVector) ([]float64, error) {
	if p == nil || len(p.Params) == 0 {
		return nil, &UntrainedError{Kind: kind}
	}
	if p.Kind != kind {
		return nil, &ScoreError{Kind: kind, Reason: "profile kind is " + string(p.Kind)}
	}
	vec := v.Values(p.WithKeystroke, p.WithMouse)
	if len(vec) != p.Dim {
		return nil, &ScoreError{Kind: kind, Reason: "dimension mismatch"}
	}
	return vec, nil
}
