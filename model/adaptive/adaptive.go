// Package adaptive implements the adaptive input embedding and the
// hierarchical softmax over a bucketed vocabulary.
//
// Bucket 0 (the head) is softmaxed directly together with one cluster
// logit per tail bucket. A token in tail bucket b has log-probability
// log P(cluster b) + log P(token | bucket b).
package adaptive

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
	"github.com/jmorganca/txl/ml/nn"
	"github.com/jmorganca/txl/model"
	"github.com/jmorganca/txl/model/input"
)

var ErrToken = errors.New("token outside vocabulary")

type Kind int

const (
	Head Kind = iota
	Tail
)

func (k Kind) String() string {
	if k == Head {
		return "head"
	}
	return "tail"
}

// ProjMode describes the output projection of a bucket.
type ProjMode int

const (
	// ProjNone feeds hidden states to the softmax unprojected.
	ProjNone ProjMode = iota
	// ProjOwn uses a projection private to the softmax.
	ProjOwn
	// ProjTied reuses the bucket's input embedding projection.
	ProjTied
)

func (p ProjMode) String() string {
	switch p {
	case ProjOwn:
		return "own"
	case ProjTied:
		return "tied"
	default:
		return "none"
	}
}

// Bucket holds the parameters of the vocabulary range [Left, Right).
type Bucket struct {
	Kind Kind
	Proj ProjMode

	Left, Right int

	// Table is [Right-Left, d_i] and serves as both input embedding and
	// softmax weight.
	Table *mat.Dense
	Bias  []float64

	// InputProj and OutputProj are [d_i, d_model]; nil means identity.
	InputProj  *mat.Dense
	OutputProj *mat.Dense
}

func (b *Bucket) Size() int {
	return b.Right - b.Left
}

// embed looks up bucket-local ids and projects them to d_model.
func (b *Bucket) embed(ids []int) *mat.Dense {
	y := (&nn.Embedding{Weight: b.Table}).Forward(ids)
	if b.InputProj == nil {
		return y
	}

	var out mat.Dense
	out.Mul(y, b.InputProj)
	return &out
}

type Options struct {
	NumTokens   int
	DEmbed      int
	DModel      int
	DivVal      int
	Cutoffs     model.Cutoffs
	TieProjs    []bool
	ProjSameDim bool
	InitStd     float64
	ProjInitStd float64
}

// Layer is the full set of adaptive embedding and softmax parameters.
type Layer struct {
	Cutoffs model.Cutoffs
	DModel  int
	Buckets []Bucket

	// Table and Proj are set when all buckets share one embedding
	// (div_val 1); bucket tables are then views into Table.
	Table *mat.Dense
	Proj  *mat.Dense

	// ClusterWeight is [num tail buckets, d_embed].
	ClusterWeight *mat.Dense
	ClusterBias   []float64
}

func New(opts Options, rng *rand.Rand) (*Layer, error) {
	c := opts.Cutoffs
	if err := c.Validate(opts.NumTokens); err != nil {
		return nil, err
	}

	if opts.DivVal < 1 {
		return nil, fmt.Errorf("div_val must be at least 1, got %d", opts.DivVal)
	}

	tie := opts.TieProjs
	if len(tie) == 0 {
		tie = make([]bool, c.NumBuckets())
	} else if len(tie) != c.NumBuckets() {
		return nil, fmt.Errorf("tie_projs has %d entries for %d buckets", len(tie), c.NumBuckets())
	}

	l := &Layer{
		Cutoffs: c,
		DModel:  opts.DModel,
		Buckets: make([]Bucket, c.NumBuckets()),
	}

	if opts.DivVal == 1 {
		l.Table = nn.Normal(opts.NumTokens, opts.DEmbed, opts.InitStd, rng)
		if opts.DModel != opts.DEmbed {
			l.Proj = nn.Normal(opts.DEmbed, opts.DModel, opts.ProjInitStd, rng)
		}
	}

	for i := range l.Buckets {
		left, right := c.Bounds(i)
		dim := opts.DEmbed / int(math.Pow(float64(opts.DivVal), float64(i)))
		if dim < 1 {
			return nil, fmt.Errorf("bucket %d: embedding width %d/%d^%d is zero", i, opts.DEmbed, opts.DivVal, i)
		}

		b := Bucket{
			Kind:  Tail,
			Left:  left,
			Right: right,
			Bias:  make([]float64, right-left),
		}
		if i == 0 {
			b.Kind = Head
		}

		if l.Table != nil {
			b.Table = l.Table.Slice(left, right, 0, opts.DEmbed).(*mat.Dense)
			b.InputProj = l.Proj
		} else {
			b.Table = nn.Normal(right-left, dim, opts.InitStd, rng)
			if opts.DModel != dim || opts.ProjSameDim {
				b.InputProj = nn.Normal(dim, opts.DModel, opts.ProjInitStd, rng)
			}
		}

		switch {
		case tie[i] && b.InputProj != nil:
			b.Proj, b.OutputProj = ProjTied, b.InputProj
		case tie[i]:
			b.Proj = ProjNone
		case (opts.DivVal == 1 || !opts.ProjSameDim) && opts.DModel == dim:
			b.Proj = ProjNone
		default:
			b.Proj, b.OutputProj = ProjOwn, nn.Normal(dim, opts.DModel, opts.ProjInitStd, rng)
		}

		l.Buckets[i] = b
	}

	if n := c.NumTail(); n > 0 {
		l.ClusterWeight = mat.NewDense(n, opts.DEmbed, nil)
		l.ClusterBias = make([]float64, n)
	}

	return l, nil
}

// Shared reports whether all buckets use a single embedding table.
func (l *Layer) Shared() bool {
	return l.Table != nil
}

// logits returns the softmax logits of x under bucket b. The head bucket
// carries one extra logit per tail cluster.
func (l *Layer) logits(b *Bucket, x mat.Matrix) *mat.Dense {
	y := x
	if b.OutputProj != nil {
		var p mat.Dense
		p.Mul(x, b.OutputProj.T())
		y = &p
	}

	w, bias := b.Table, b.Bias
	if b.Kind == Head && l.ClusterWeight != nil {
		w = ml.Concat(b.Table, l.ClusterWeight)
		bias = append(slices.Clone(b.Bias), l.ClusterBias...)
	}

	var out mat.Dense
	out.Mul(y, w.T())
	ml.AddRow(&out, bias)
	return &out
}

// group returns, per bucket, the positions of tokens falling into it.
func (l *Layer) group(tokens []int32) ([][]int, error) {
	groups := make([][]int, len(l.Buckets))
	for p, t := range tokens {
		b := l.Cutoffs.Bucket(int(t))
		if b < 0 {
			return nil, fmt.Errorf("%w: %d at position %d", ErrToken, t, p)
		}
		groups[b] = append(groups[b], p)
	}
	return groups, nil
}

func (l *Layer) scale(x *mat.Dense) *mat.Dense {
	x.Scale(math.Sqrt(float64(l.DModel)), x)
	return x
}

// Strategy computes the adaptive embedding and loss for a batch.
type Strategy interface {
	// Embed returns the scaled [window, d_model] input embedding of row.
	Embed(l *Layer, b *input.Batch, row int) (*mat.Dense, error)

	// Loss returns the summed negative log-likelihood of the labels and
	// the number of tokens included.
	Loss(l *Layer, b *input.Batch, hidden []*mat.Dense) (model.Loss, error)
}

// ForMode selects the strategy for static-shape or dynamic batches.
func ForMode(static bool) Strategy {
	if static {
		return Permuted{}
	}
	return Masked{}
}
