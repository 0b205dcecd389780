package model

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/kvcache"
	"github.com/jmorganca/txl/model/input"
)

var ErrCutoffs = errors.New("invalid cutoffs")

// Model implements a segment-recurrent language model. Forward runs one
// segment, reading and updating the memory held by cache.
type Model interface {
	Forward(*input.Batch, kvcache.Cache) (Output, error)
}

// Output is the result of one forward pass.
type Output struct {
	// Hidden holds the last layer's hidden states, one [window, d_model]
	// matrix per batch row.
	Hidden []*mat.Dense

	Loss Loss
}

// Predictor is a Model that also exposes its full next-token
// distribution and attention.
type Predictor interface {
	Model
	Predict(*input.Batch, kvcache.Cache) (*Prediction, error)
}

// Prediction extends Output with what is needed to generate from or
// inspect a model.
type Prediction struct {
	Output

	// LogProbs holds one [window, n_token] matrix of next-token
	// log-probabilities per batch row.
	LogProbs []*mat.Dense

	// Attention is indexed [layer][row][head]; every entry is a
	// [window, mlen+window] probability matrix.
	Attention [][][]*mat.Dense

	// Context holds the token ids the memory covered before this segment,
	// one slice per batch row. It is nil when the memory was empty.
	Context [][]int32
}

// TopK returns the k most likely tokens at position pos of row, most
// likely first.
func (p *Prediction) TopK(row, pos, k int) []int32 {
	lp := p.LogProbs[row].RawRowView(pos)
	ids := make([]int32, len(lp))
	for i := range ids {
		ids[i] = int32(i)
	}

	slices.SortStableFunc(ids, func(a, b int32) int {
		return cmp.Compare(lp[b], lp[a])
	})
	return ids[:min(k, len(ids))]
}

// Loss is a summed negative log-likelihood together with the number of
// tokens that contributed to it.
type Loss struct {
	Sum   float64
	Count float64
}

// Mean returns the loss averaged over contributing tokens.
func (l Loss) Mean() float64 {
	if l.Count == 0 {
		return 0
	}
	return l.Sum / l.Count
}

// Add accumulates o into l.
func (l Loss) Add(o Loss) Loss {
	return Loss{Sum: l.Sum + o.Sum, Count: l.Count + o.Count}
}

func (l Loss) Perplexity() float64 {
	return math.Exp(l.Mean())
}

func (l Loss) BitsPerToken() float64 {
	return l.Mean() / math.Ln2
}

// Cutoffs partitions the vocabulary into buckets: 0 = c0 < c1 < ... < ck = n_token.
// Bucket 0 is the head; buckets 1..k-1 are tail buckets.
type Cutoffs []int

// Validate reports whether c is a strictly increasing partition of [0, nToken).
func (c Cutoffs) Validate(nToken int) error {
	if len(c) < 2 {
		return fmt.Errorf("%w: need at least [0, n_token], got %v", ErrCutoffs, []int(c))
	}

	if c[0] != 0 {
		return fmt.Errorf("%w: first cutoff must be 0, got %d", ErrCutoffs, c[0])
	}

	for i := 1; i < len(c); i++ {
		if c[i] <= c[i-1] {
			return fmt.Errorf("%w: not strictly increasing at index %d (%d <= %d)", ErrCutoffs, i, c[i], c[i-1])
		}
	}

	if nToken > 0 && c[len(c)-1] != nToken {
		return fmt.Errorf("%w: last cutoff %d does not match vocabulary size %d", ErrCutoffs, c[len(c)-1], nToken)
	}

	return nil
}

func (c Cutoffs) NumBuckets() int {
	return len(c) - 1
}

func (c Cutoffs) NumTail() int {
	return max(len(c)-2, 0)
}

func (c Cutoffs) NumTokens() int {
	return c[len(c)-1]
}

// Bounds returns the half-open token range [left, right) of bucket i.
func (c Cutoffs) Bounds(i int) (left, right int) {
	return c[i], c[i+1]
}

// Bucket returns the bucket index of token, or -1 if it is out of range.
func (c Cutoffs) Bucket(token int) int {
	for i := 0; i < len(c)-1; i++ {
		if token >= c[i] && token < c[i+1] {
			return i
		}
	}
	return -1
}

// ClusterID is the head-softmax label standing in for tail bucket b
// (b = 0 is bucket 1).
func (c Cutoffs) ClusterID(b int) int {
	return c[1] + b
}
