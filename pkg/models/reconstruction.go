package models

import (
	"encoding/json"
	"math"

	"trustd/pkg/behavior"
)

const (
	pcaMaxComponents = 3
	pcaIterations    = 60
)

// ReconstructionModel fits a mean and top principal components to the
// calibration windows via power iteration, then scores windows by how
// well the learned subspace reconstructs them. Typical windows
// reconstruct cheaply; impostor windows land off-subspace.
type ReconstructionModel struct{}

type reconstructionParams struct {
	Mean       []float64   `json:"mean"`
	Std        []float64   `json:"std"`
	Components [][]float64 `json:"components"`
	ErrScale   float64     `json:"err_scale"`
}

func (m *ReconstructionModel) Kind() Kind { return KindReconstruction }

func (m *ReconstructionModel) Train(data TrainingData) (*Profile, error) {
	if len(data.Vectors) < 3 {
		return nil, &ScoreError{Kind: KindReconstruction, Reason: "need at least 3 windows"}
	}
	dim := behavior.Dim(data.WithKeystroke, data.WithMouse)
	mean, std := columnStats(data.Vectors, dim)

	centered := make([][]float64, len(data.Vectors))
	for i, v := range data.Vectors {
		centered[i] = standardize(v, mean, std)
	}

	k := pcaMaxComponents
	if k > dim {
		k = dim
	}
	if k >= len(centered) {
		k = len(centered) - 1
	}
	components := make([][]float64, 0, k)
	residual := copyMatrix(centered)
	for c := 0; c < k; c++ {
		comp, ok := powerIteration(residual, dim)
		if !ok {
			break
		}
		components = append(components, comp)
		deflate(residual, comp)
	}

	errs := make([]float64, len(centered))
	for i, z := range centered {
		errs[i] = reconstructionError(z, components)
	}
	scale := percentile(errs, 95)
	if scale < 1e-9 {
		scale = 1e-9
	}

	return newProfile(KindReconstruction, data, reconstructionParams{
		Mean:       mean,
		Std:        std,
		Components: components,
		ErrScale:   scale,
	})
}

func (m *ReconstructionModel) Score(p *Profile, v behavior.FeatureVector) (float64, error) {
	vec, err := checkScorable(KindReconstruction, p, v)
	if err != nil {
		return 0, err
	}
	var params reconstructionParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindReconstruction, err)
	}
	z := standardize(vec, params.Mean, params.Std)
	recErr := reconstructionError(z, params.Components)
	return math.Exp(-recErr / params.ErrScale * math.Ln2), nil
}

// powerIteration extracts the dominant component of a centered sample
// matrix. Returns false when the residual has no remaining variance.
func powerIteration(rows [][]float64, dim int) ([]float64, bool) {
	v := make([]float64, dim)
	for i := range v {
		v[i] = 1 / math.Sqrt(float64(dim))
	}
	for iter := 0; iter < pcaIterations; iter++ {
		next := make([]float64, dim)
		for _, row := range rows {
			proj := dot(row, v)
			for i := range next {
				next[i] += proj * row[i]
			}
		}
		norm := vectorNorm(next)
		if norm < 1e-12 {
			return nil, false
		}
		for i := range next {
			next[i] /= norm
		}
		v = next
	}
	return v, true
}

func deflate(rows [][]float64, comp []float64) {
	for _, row := range rows {
		proj := dot(row, comp)
		for i := range row {
			row[i] -= proj * comp[i]
		}
	}
}

func reconstructionError(z []float64, components [][]float64) float64 {
	resid := append([]float64(nil), z...)
	for _, comp := range components {
		proj := dot(z, comp)
		for i := range resid {
			resid[i] -= proj * comp[i]
		}
	}
	return vectorNorm(resid)
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func vectorNorm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}

func copyMatrix(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
