package models

import (
	"encoding/json"
	"math"

	"trustd/pkg/behavior"
)

const (
	defaultSeqLen = 10
	seqSmoothing  = 1.0
)

// seqBounds are the upper edges of the deviation buckets a window
// quantizes into. The symbol is the window's mean absolute z-score
// against the training distribution, so the Markov chain models how a
// user's deviation-from-baseline evolves window to window. Impostor
// windows land in the outer buckets the chain has rarely or never
// visited.
var seqBounds = []float64{0.6, 1.0, 1.75, 3.0}

// SequenceModel scores windows by first-order Markov transition
// likelihood over the quantized symbol sequence.
type SequenceModel struct{}

type sequenceParams struct {
	SeqLen      int                           `json:"seq_len"`
	Mean        []float64                     `json:"mean"`
	Std         []float64                     `json:"std"`
	Transitions map[string]map[string]float64 `json:"transitions"`
	SymbolFreq  map[string]float64            `json:"symbol_freq"`
	Symbols     int                           `json:"symbols"`
	TotalCount  float64                       `json:"total_count"`
}

func (m *SequenceModel) Kind() Kind { return KindSequence }

func (m *SequenceModel) Train(data TrainingData) (*Profile, error) {
	if len(data.Vectors) < 2 {
		return nil, &ScoreError{Kind: KindSequence, Reason: "need at least 2 windows"}
	}
	dim := behavior.Dim(data.WithKeystroke, data.WithMouse)
	mean, std := columnStats(data.Vectors, dim)

	symbols := make([]string, len(data.Vectors))
	for i, v := range data.Vectors {
		symbols[i] = quantizeSymbol(v, mean, std)
	}

	counts := make(map[string]map[string]float64)
	freq := make(map[string]float64)
	for i, s := range symbols {
		freq[s]++
		if i == 0 {
			continue
		}
		prev := symbols[i-1]
		if counts[prev] == nil {
			counts[prev] = make(map[string]float64)
		}
		counts[prev][s]++
	}

	return newProfile(KindSequence, data, sequenceParams{
		SeqLen:      defaultSeqLen,
		Mean:        mean,
		Std:         std,
		Transitions: counts,
		SymbolFreq:  freq,
		Symbols:     len(freq),
		TotalCount:  float64(len(symbols)),
	})
}

// Score falls back to the stationary likelihood of the single window's
// symbol. ScoreSequence is the intended path once history exists.
func (m *SequenceModel) Score(p *Profile, v behavior.FeatureVector) (float64, error) {
	vec, err := checkScorable(KindSequence, p, v)
	if err != nil {
		return 0, err
	}
	var params sequenceParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindSequence, err)
	}
	sym := quantizeSymbol(vec, params.Mean, params.Std)
	return params.symbolProb(sym), nil
}

// ScoreSequence scores the newest window in the context of its
// predecessors: the geometric mean of smoothed transition probabilities
// along the quantized symbol sequence. Histories longer than the
// profile's sequence length are truncated keeping the newest windows;
// shorter histories are padded by repeating the last symbol.
func (m *SequenceModel) ScoreSequence(p *Profile, history []behavior.FeatureVector) (float64, error) {
	if len(history) == 0 {
		return 0, &ScoreError{Kind: KindSequence, Reason: "empty history"}
	}
	if _, err := checkScorable(KindSequence, p, history[len(history)-1]); err != nil {
		return 0, err
	}
	var params sequenceParams
	if err := json.Unmarshal(p.Params, &params); err != nil {
		return 0, paramsError(KindSequence, err)
	}

	symbols := make([]string, 0, params.SeqLen)
	start := 0
	if len(history) > params.SeqLen {
		start = len(history) - params.SeqLen
	}
	for _, w := range history[start:] {
		wv := w.Values(p.WithKeystroke, p.WithMouse)
		if len(wv) != p.Dim {
			return 0, &ScoreError{Kind: KindSequence, Reason: "dimension mismatch"}
		}
		symbols = append(symbols, quantizeSymbol(wv, params.Mean, params.Std))
	}
	for len(symbols) < params.SeqLen {
		symbols = append(symbols, symbols[len(symbols)-1])
	}

	logSum, n := 0.0, 0
	for i := 1; i < len(symbols); i++ {
		logSum += math.Log(params.transitionProb(symbols[i-1], symbols[i]))
		n++
	}
	if n == 0 {
		return params.symbolProb(symbols[0]), nil
	}
	return math.Exp(logSum / float64(n)), nil
}

func (p sequenceParams) transitionProb(from, to string) float64 {
	vocab := float64(p.Symbols + 1)
	row := p.Transitions[from]
	total := 0.0
	for _, c := range row {
		total += c
	}
	return (row[to] + seqSmoothing) / (total + seqSmoothing*vocab)
}

func (p sequenceParams) symbolProb(sym string) float64 {
	vocab := float64(p.Symbols + 1)
	return (p.SymbolFreq[sym] + seqSmoothing) / (p.TotalCount + seqSmoothing*vocab)
}

// quantizeSymbol buckets the window's mean absolute z-score.
func quantizeSymbol(v, mean, std []float64) string {
	z := standardize(v, mean, std)
	total := 0.0
	for _, x := range z {
		total += math.Abs(x)
	}
	avg := 0.0
	if len(z) > 0 {
		avg = total / float64(len(z))
	}
	for i, edge := range seqBounds {
		if avg < edge {
			return string(rune('0' + i))
		}
	}
	return string(rune('0' + len(seqBounds)))
}
