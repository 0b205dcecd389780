package adaptive

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
	"github.com/jmorganca/txl/model"
	"github.com/jmorganca/txl/model/input"
)

// Masked routes tokens to buckets by comparing them against the cutoffs.
// Shapes depend on the data, so it is used off-accelerator and needs no
// precomputed features.
type Masked struct{}

func (Masked) Embed(l *Layer, b *input.Batch, row int) (*mat.Dense, error) {
	x := b.Inputs[row]
	groups, err := l.group(x)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(len(x), l.DModel, nil)
	for i, pos := range groups {
		if len(pos) == 0 {
			continue
		}

		bucket := &l.Buckets[i]
		ids := make([]int, len(pos))
		for k, p := range pos {
			ids[k] = int(x[p]) - bucket.Left
		}

		y := bucket.embed(ids)
		for k, p := range pos {
			out.SetRow(p, y.RawRowView(k))
		}
	}

	return l.scale(out), nil
}

func (Masked) Loss(l *Layer, b *input.Batch, hidden []*mat.Dense) (model.Loss, error) {
	if len(hidden) != len(b.Labels) {
		return model.Loss{}, fmt.Errorf("%w: %d hidden rows for %d label rows", input.ErrBatchShape, len(hidden), len(b.Labels))
	}

	var loss model.Loss
	for r, h := range hidden {
		nll, err := l.NLL(h, b.Labels[r])
		if err != nil {
			return model.Loss{}, fmt.Errorf("row %d: %w", r, err)
		}

		loss.Sum += floats.Sum(nll)
		loss.Count += float64(len(nll))
	}

	return loss, nil
}

// NLL returns the negative log-likelihood of every label given the
// [window, d_model] hidden states h.
func (l *Layer) NLL(h *mat.Dense, labels []int32) ([]float64, error) {
	groups, err := l.group(labels)
	if err != nil {
		return nil, err
	}

	head := ml.LogSoftmax(l.logits(&l.Buckets[0], h))

	nll := make([]float64, len(labels))
	for i, pos := range groups {
		if len(pos) == 0 {
			continue
		}

		bucket := &l.Buckets[i]
		switch bucket.Kind {
		case Head:
			for _, p := range pos {
				nll[p] = -head.At(p, int(labels[p])-bucket.Left)
			}
		case Tail:
			cluster := l.Cutoffs.ClusterID(i - 1)
			tail := ml.LogSoftmax(l.logits(bucket, ml.Gather(h, pos)))
			for k, p := range pos {
				nll[p] = -(head.At(p, cluster) + tail.At(k, int(labels[p])-bucket.Left))
			}
		}
	}

	return nll, nil
}

// LogProbs returns the [window, n_token] log-probabilities of every token
// given the hidden states h. A tail token scores
// log P(cluster) + log P(token | bucket).
func (l *Layer) LogProbs(h mat.Matrix) *mat.Dense {
	rows, _ := h.Dims()
	head := ml.LogSoftmax(l.logits(&l.Buckets[0], h))

	out := mat.NewDense(rows, l.Cutoffs.NumTokens(), nil)
	for i := range l.Buckets {
		bucket := &l.Buckets[i]
		dst := out.Slice(0, rows, bucket.Left, bucket.Right).(*mat.Dense)
		if bucket.Kind == Head {
			// drops the cluster columns
			dst.Copy(head)
			continue
		}

		cluster := l.Cutoffs.ClusterID(i - 1)
		tail := ml.LogSoftmax(l.logits(bucket, h))
		for p := range rows {
			row := dst.RawRowView(p)
			copy(row, tail.RawRowView(p))
			floats.AddConst(head.At(p, cluster), row)
		}
	}

	return out
}
