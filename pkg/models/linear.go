package models

import (
	"encoding/json"

	"trustd/pkg/behavior"
)

const (
	paEpochs    = 5
	paAggressC  = 1.0
	paNegRadius = 4.0
)

// LinearModel is an online margin classifier (passive-aggressive
// updates) separating the calibration windows from synthesized
// negatives placed away from the genuine cluster in standardized
// space. The signed margin of a window maps through a sigmoid.
type LinearModel struct{}

type linearParams struct {
	W    []float64 `json:"w"`
	B    float64   `json:"b"`
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func (m *LinearModel) Kind() Kind { return KindLinear }

func (m *LinearModel) Train(data TrainingData) (*Profile, error) {
	if len(data.Vectors) < 3 {
		return nil, &ScoreError{Kind: KindLinear, Reason: "need at least 3 windows"}
	}
	dim := behavior.Dim(data.WithKeystroke, data.WithMouse)
	mean, std := columnStats(data.Vectors, dim)

	positives := make([][]float64, len(data.Vectors))
	for i, v := range data.Vectors {
		positives[i] = standardize(v, mean, std)
	}

	w := make([]float64, dim)
	b := 0.0
	for epoch := 0; epoch < paEpochs; epoch++ {
		for _, z := range positives {
			w, b = paUpdate(w, b, z, +1)
			for _, neg := range synthesizeNegatives(z) {
				w, b = paUpdate(w, b, neg, -1)
			}
		}
	}

	return newProfile(KindLinear, data, linearParams{W: w, B: b, Mean: mean, Std: std})
}

func (m *LinearModel) Score(p *Profile, v behavior.FeatureVector) (float64, error) {
	vec, err := checkScorable(KindLinear, p, v)
	if err != nil {
		return 0, err
	}
	var params linearParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindLinear, err)
	}
	z := standardize(vec, params.Mean, params.Std)
	margin := dot(params.W, z) + params.B
	return sigmoid(margin), nil
}

// paUpdate applies one PA-I step for sample x with label y.
func paUpdate(w []float64, b float64, x []float64, y float64) ([]float64, float64) {
	margin := dot(w, x) + b
	loss := 1 - y*margin
	if loss <= 0 {
		return w, b
	}
	norm := dot(x, x) + 1
	tau := loss / norm
	if tau > paAggressC {
		tau = paAggressC
	}
	for i := range w {
		w[i] += tau * y * x[i]
	}
	return w, b + tau*y
}

// synthesizeNegatives places two impostor proxies on the ray through z,
// pushed outward from the standardized origin where the genuine cluster
// sits.
func synthesizeNegatives(z []float64) [][]float64 {
	norm := vectorNorm(z)
	dir := make([]float64, len(z))
	if norm < 1e-9 {
		dir[0] = 1
	} else {
		for i := range z {
			dir[i] = z[i] / norm
		}
	}
	out, in := make([]float64, len(z)), make([]float64, len(z))
	for i := range z {
		out[i] = z[i] + paNegRadius*dir[i]
		in[i] = z[i] - (norm+paNegRadius)*dir[i]*2
	}
	return [][]float64{out, in}
}
