package models

import (
	"encoding/json"
	"sort"

	"trustd/pkg/behavior"
)

const (
	nnDefaultK   = 5
	nnDefaultCap = 100
)

// NearNeighborModel keeps a bounded sliding window of recent genuine
// vectors and scores a window by its average distance to the k nearest
// of them. Observe folds confirmed-genuine windows in between
// retrainings, evicting the oldest entry once the window is full.
type NearNeighborModel struct{}

type nearNeighborParams struct {
	Window [][]float64 `json:"window"`
	K      int         `json:"k"`
	Cap    int         `json:"cap"`
	Scale  float64     `json:"scale"`
	Mean   []float64   `json:"mean"`
	Std    []float64   `json:"std"`
}

func (m *NearNeighborModel) Kind() Kind { return KindNearNeighbor }

func (m *NearNeighborModel) Train(data TrainingData) (*Profile, error) {
	if len(data.Vectors) < 3 {
		return nil, &ScoreError{Kind: KindNearNeighbor, Reason: "need at least 3 windows"}
	}
	dim := behavior.Dim(data.WithKeystroke, data.WithMouse)
	mean, std := columnStats(data.Vectors, dim)

	window := make([][]float64, 0, nnDefaultCap)
	start := 0
	if len(data.Vectors) > nnDefaultCap {
		start = len(data.Vectors) - nnDefaultCap
	}
	for _, v := range data.Vectors[start:] {
		window = append(window, standardize(v, mean, std))
	}

	k := nnDefaultK
	if k > len(window)-1 {
		k = len(window) - 1
	}

	// Typical scale: each training point's mean distance to its own k
	// nearest, taken at the median.
	selfDists := make([]float64, len(window))
	for i, x := range window {
		selfDists[i] = avgNearestDistance(window, x, k, i)
	}
	scale := percentile(selfDists, 50)
	if scale < 1e-9 {
		scale = 1e-9
	}

	return newProfile(KindNearNeighbor, data, nearNeighborParams{
		Window: window,
		K:      k,
		Cap:    nnDefaultCap,
		Scale:  scale,
		Mean:   mean,
		Std:    std,
	})
}

func (m *NearNeighborModel) Score(p *Profile, v behavior.FeatureVector) (float64, error) {
	vec, err := checkScorable(KindNearNeighbor, p, v)
	if err != nil {
		return 0, err
	}
	var params nearNeighborParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindNearNeighbor, err)
	}
	if len(params.Window) == 0 {
		return 0, &UntrainedError{Kind: KindNearNeighbor}
	}
	z := standardize(vec, params.Mean, params.Std)
	d := avgNearestDistance(params.Window, z, params.K, -1)
	return 1 / (1 + d/params.Scale), nil
}

// Observe appends a confirmed-genuine window to the sliding window,
// evicting oldest-first at capacity, and rewrites the profile params in
// place.
func (m *NearNeighborModel) Observe(p *Profile, v behavior.FeatureVector) error {
	vec, err := checkScorable(KindNearNeighbor, p, v)
	if err != nil {
		return err
	}
	var params nearNeighborParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return paramsError(KindNearNeighbor, err)
	}
	params.Window = append(params.Window, standardize(vec, params.Mean, params.Std))
	if params.Cap > 0 && len(params.Window) > params.Cap {
		params.Window = params.Window[len(params.Window)-params.Cap:]
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return paramsError(KindNearNeighbor, err)
	}
	p.Params = raw
	return nil
}

// avgNearestDistance returns the mean distance from x to its k nearest
// points in window, skipping index skip (for leave-one-out).
func avgNearestDistance(window [][]float64, x []float64, k, skip int) float64 {
	if k < 1 {
		k = 1
	}
	dists := make([]float64, 0, len(window))
	for i, w := range window {
		if i == skip {
			continue
		}
		dists = append(dists, euclidean(w, x))
	}
	if len(dists) == 0 {
		return 0
	}
	sort.Float64s(dists)
	if k > len(dists) {
		k = len(dists)
	}
	sum := 0.0
	for _, d := range dists[:k] {
		sum += d
	}
	return sum / float64(k)
}
