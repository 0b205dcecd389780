package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
)

// RelativeBias holds the per-head biases added to queries: Content is used
// against keys, Position against relative position embeddings. Both are
// [heads, d_head].
type RelativeBias struct {
	Content  *mat.Dense
	Position *mat.Dense
}

func NewRelativeBias(heads, headDim int, std float64, rng *rand.Rand) RelativeBias {
	return RelativeBias{
		Content:  Normal(heads, headDim, std, rng),
		Position: Normal(heads, headDim, std, rng),
	}
}

// RelPartialAttention implements multi-head attention over the concatenation
// of segment memory and the current segment with relative position scores:
//
//	score(i, j) = ((q_i + u)·k_j + (q_i + v)·r_{i-j}) / √d_head
//
// where u and v are the content and position biases.
type RelPartialAttention struct {
	QKV      *Linear
	Position *Linear
	Output   *Linear
	Norm     *LayerNorm

	NumHeads int
	HeadDim  int
}

// Forward attends from the current segment w ([qlen, d_model]) to
// concat(mem, w). pos is the [klen, d_model] relative position table ordered
// from distance klen-1 down to 0 and mask is [qlen, klen] with 1 for
// forbidden keys. mem may be nil.
func (sa *RelPartialAttention) Forward(w, mem, pos *mat.Dense, bias RelativeBias, mask *mat.Dense, maskValue, eps float64) *mat.Dense {
	out, _ := sa.attend(w, mem, pos, bias, mask, maskValue, eps, false)
	return out
}

// ForwardWithProbs is Forward that also returns the attention
// probabilities of every head, each [qlen, klen].
func (sa *RelPartialAttention) ForwardWithProbs(w, mem, pos *mat.Dense, bias RelativeBias, mask *mat.Dense, maskValue, eps float64) (*mat.Dense, []*mat.Dense) {
	return sa.attend(w, mem, pos, bias, mask, maskValue, eps, true)
}

func (sa *RelPartialAttention) attend(w, mem, pos *mat.Dense, bias RelativeBias, mask *mat.Dense, maskValue, eps float64, keep bool) (*mat.Dense, []*mat.Dense) {
	qlen, _ := w.Dims()

	cat := w
	if mem != nil {
		cat = ml.Concat(mem, w)
	}

	klen, _ := cat.Dims()
	if rlen, _ := pos.Dims(); rlen != klen {
		panic(fmt.Errorf("relative attention: %d position embeddings for %d keys", rlen, klen))
	}

	if mr, mc := mask.Dims(); mr != qlen || mc != klen {
		panic(fmt.Errorf("relative attention: mask is %dx%d, want %dx%d", mr, mc, qlen, klen))
	}

	hd := sa.NumHeads * sa.HeadDim
	heads := sa.QKV.Forward(cat)
	r := sa.Position.Forward(pos)
	scale := 1 / math.Sqrt(float64(sa.HeadDim))

	var probs []*mat.Dense
	vec := mat.NewDense(qlen, hd, nil)
	for n := range sa.NumHeads {
		lo, hi := n*sa.HeadDim, (n+1)*sa.HeadDim

		q := heads.Slice(klen-qlen, klen, lo, hi)
		k := heads.Slice(0, klen, hd+lo, hd+hi)
		v := heads.Slice(0, klen, 2*hd+lo, 2*hd+hi)
		rk := r.Slice(0, klen, lo, hi)

		scores := Scores(q, k, rk, bias.Content.RawRowView(n), bias.Position.RawRowView(n))
		scores.Scale(scale, scores)
		ml.ApplyMask(scores, mask, maskValue)
		ml.Softmax(scores)
		if keep {
			probs = append(probs, scores)
		}

		vec.Slice(0, qlen, lo, hi).(*mat.Dense).Mul(scores, v)
	}

	out := sa.Output.Forward(vec)
	out.Add(out, w)
	return sa.Norm.Forward(out, eps), probs
}

// Scores returns the unscaled score matrix AC + RelShift(BD) for one head,
// where q is [qlen, d_head] and k and r are [klen, d_head].
func Scores(q, k, r mat.Matrix, contentBias, positionBias []float64) *mat.Dense {
	rwq := mat.DenseCopyOf(q)
	ml.AddRow(rwq, contentBias)

	rrq := mat.DenseCopyOf(q)
	ml.AddRow(rrq, positionBias)

	var ac, bd mat.Dense
	ac.Mul(rwq, k.T())
	bd.Mul(rrq, r.T())

	ac.Add(&ac, ml.RelShift(&bd))
	return &ac
}
