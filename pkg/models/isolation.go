package models

import (
	"encoding/json"
	"math"
	"math/rand"

	"trustd/pkg/behavior"
)

const (
	isoTrees      = 100
	isoSampleSize = 64
	isoSeed       = 1
	eulerGamma    = 0.5772156649
)

// IsolationModel builds an isolation forest over the calibration
// windows. Anomalous windows isolate in few random splits; the average
// isolation depth converts to an anomaly score which is inverted to
// genuineness. Trees are built from a fixed-seed source so retraining
// on the same corpus reproduces the same forest.
type IsolationModel struct{}

type isoNode struct {
	Attr  int     `json:"attr"`
	Split float64 `json:"split"`
	Left  int     `json:"left"`
	Right int     `json:"right"`
	Size  int     `json:"size"`
	Leaf  bool    `json:"leaf"`
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

type isolationParams struct {
	Trees      []isoTree `json:"trees"`
	SampleSize int       `json:"sample_size"`
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
}

func (m *IsolationModel) Kind() Kind { return KindIsolation }

func (m *IsolationModel) Train(data TrainingData) (*Profile, error) {
	if len(data.Vectors) < 3 {
		return nil, &ScoreError{Kind: KindIsolation, Reason: "need at least 3 windows"}
	}
	dim := behavior.Dim(data.WithKeystroke, data.WithMouse)
	mean, std := columnStats(data.Vectors, dim)

	samples := make([][]float64, len(data.Vectors))
	for i, v := range data.Vectors {
		samples[i] = standardize(v, mean, std)
	}

	sampleSize := isoSampleSize
	if sampleSize > len(samples) {
		sampleSize = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	rng := rand.New(rand.NewSource(isoSeed))
	trees := make([]isoTree, isoTrees)
	for t := range trees {
		sub := sampleRows(samples, sampleSize, rng)
		var tree isoTree
		buildIsoTree(&tree, sub, 0, maxDepth, dim, rng)
		trees[t] = tree
	}

	return newProfile(KindIsolation, data, isolationParams{
		Trees:      trees,
		SampleSize: sampleSize,
		Mean:       mean,
		Std:        std,
	})
}

func (m *IsolationModel) Score(p *Profile, v behavior.FeatureVector) (float64, error) {
	vec, err := checkScorable(KindIsolation, p, v)
	if err != nil {
		return 0, err
	}
	var params isolationParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindIsolation, err)
	}
	if len(params.Trees) == 0 {
		return 0, &UntrainedError{Kind: KindIsolation}
	}
	z := standardize(vec, params.Mean, params.Std)
	depth := 0.0
	for _, tree := range params.Trees {
		depth += pathLength(tree, z)
	}
	depth /= float64(len(params.Trees))
	c := averagePathLength(params.SampleSize)
	if c < 1e-9 {
		c = 1e-9
	}
	anomaly := math.Pow(2, -depth/c)
	return clamp01(1 - anomaly), nil
}

// buildIsoTree appends the subtree for rows and returns its node index.
func buildIsoTree(tree *isoTree, rows [][]float64, depth, maxDepth, dim int, rng *rand.Rand) int {
	idx := len(tree.Nodes)
	if len(rows) <= 1 || depth >= maxDepth {
		tree.Nodes = append(tree.Nodes, isoNode{Leaf: true, Size: len(rows)})
		return idx
	}
	attr := rng.Intn(dim)
	lo, hi := rows[0][attr], rows[0][attr]
	for _, r := range rows {
		if r[attr] < lo {
			lo = r[attr]
		}
		if r[attr] > hi {
			hi = r[attr]
		}
	}
	if hi-lo < 1e-12 {
		tree.Nodes = append(tree.Nodes, isoNode{Leaf: true, Size: len(rows)})
		return idx
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, r := range rows {
		if r[attr] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	tree.Nodes = append(tree.Nodes, isoNode{Attr: attr, Split: split, Size: len(rows)})
	l := buildIsoTree(tree, left, depth+1, maxDepth, dim, rng)
	r := buildIsoTree(tree, right, depth+1, maxDepth, dim, rng)
	tree.Nodes[idx].Left = l
	tree.Nodes[idx].Right = r
	return idx
}

func pathLength(tree isoTree, z []float64) float64 {
	if len(tree.Nodes) == 0 {
		return 0
	}
	depth := 0.0
	i := 0
	for {
		node := tree.Nodes[i]
		if node.Leaf {
			return depth + averagePathLength(node.Size)
		}
		depth++
		if z[node.Attr] < node.Split {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

// averagePathLength is the expected unsuccessful-search depth of a BST
// holding n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2*(math.Log(f-1)+eulerGamma) - 2*(f-1)/f
}

func sampleRows(rows [][]float64, n int, rng *rand.Rand) [][]float64 {
	if n >= len(rows) {
		return rows
	}
	idx := rng.Perm(len(rows))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}
