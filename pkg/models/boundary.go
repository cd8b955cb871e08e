package models

import (
	"encoding/json"
	"math"

	"trustd/pkg/behavior"
)

// BoundaryModel is a one-class classifier with an RBF kernel. Training
// uses a simplified solution of the one-class dual: uniform support
// weights with the offset set so roughly ninety percent of calibration
// windows fall inside the boundary. The signed boundary distance is
// squashed to [0,1].
type BoundaryModel struct{}

type boundaryParams struct {
	Support [][]float64 `json:"support"`
	Alpha   []float64   `json:"alpha"`
	Gamma   float64     `json:"gamma"`
	Rho     float64     `json:"rho"`
	Scale   float64     `json:"scale"`
	Mean    []float64   `json:"mean"`
	Std     []float64   `json:"std"`
}

func (m *BoundaryModel) Kind() Kind { return KindBoundary }

func (m *BoundaryModel) Train(data TrainingData) (*Profile, error) {
	if len(data.Vectors) < 3 {
		return nil, &ScoreError{Kind: KindBoundary, Reason: "need at least 3 windows"}
	}
	dim := behavior.Dim(data.WithKeystroke, data.WithMouse)
	mean, std := columnStats(data.Vectors, dim)

	support := make([][]float64, len(data.Vectors))
	for i, v := range data.Vectors {
		support[i] = standardize(v, mean, std)
	}
	n := len(support)
	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = 1 / float64(n)
	}
	gamma := 1 / float64(dim)

	decisions := make([]float64, n)
	for i, x := range support {
		decisions[i] = kernelSum(support, alpha, x, gamma)
	}
	rho := percentile(decisions, 10)

	var spread behavior.RunningStat
	for _, d := range decisions {
		spread.Push(d)
	}
	scale := spread.Std()
	if scale < 1e-9 {
		scale = 1e-9
	}

	return newProfile(KindBoundary, data, boundaryParams{
		Support: support,
		Alpha:   alpha,
		Gamma:   gamma,
		Rho:     rho,
		Scale:   scale,
		Mean:    mean,
		Std:     std,
	})
}

func (m *BoundaryModel) Score(p *Profile, v behavior.FeatureVector) (float64, error) {
	vec, err := checkScorable(KindBoundary, p, v)
	if err != nil {
		return 0, err
	}
	var params boundaryParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindBoundary, err)
	}
	z := standardize(vec, params.Mean, params.Std)
	d := kernelSum(params.Support, params.Alpha, z, params.Gamma) - params.Rho
	return sigmoid(d / params.Scale), nil
}

func kernelSum(support [][]float64, alpha []float64, x []float64, gamma float64) float64 {
	sum := 0.0
	for i, sv := range support {
		sum += alpha[i] * rbfKernel(sv, x, gamma)
	}
	return sum
}

func rbfKernel(a, b []float64, gamma float64) float64 {
	d := euclidean(a, b)
	return math.Exp(-gamma * d * d)
}
