package adaptive

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
	"github.com/jmorganca/txl/model"
	"github.com/jmorganca/txl/model/input"
)

// Permuted routes tokens through the precomputed [window, bin_size]
// permutation matrices of a static batch, so every tail bucket is evaluated
// on a fixed number of slots. Positions dropped by the encoder contribute
// neither to the loss nor to its denominator, and get a zero input
// embedding.
type Permuted struct{}

func (Permuted) check(l *Layer, b *input.Batch, perms [][]*mat.Dense) error {
	if !b.Static() {
		return fmt.Errorf("%w: batch has no permutation features", input.ErrBatchShape)
	}

	if len(perms) != l.Cutoffs.NumTail() {
		return fmt.Errorf("%w: %d permutation buckets for %d tail buckets", input.ErrBatchShape, len(perms), l.Cutoffs.NumTail())
	}

	return nil
}

// slotTokens returns the bucket-local token held by each slot of perm.
// Empty slots hold 0.
func slotTokens(perm *mat.Dense, tokens []int32, bucket *Bucket) ([]int, error) {
	window, bin := perm.Dims()
	ids := make([]int, bin)
	for k := range bin {
		var id float64
		for p := range window {
			id += float64(int(tokens[p])-bucket.Left) * perm.At(p, k)
		}

		ids[k] = int(id)
		if ids[k] < 0 || ids[k] >= bucket.Size() {
			return nil, fmt.Errorf("%w: slot %d maps to %d outside bucket [%d, %d)", ErrToken, k, ids[k]+bucket.Left, bucket.Left, bucket.Right)
		}
	}
	return ids, nil
}

func (s Permuted) Embed(l *Layer, b *input.Batch, row int) (*mat.Dense, error) {
	if l.Shared() {
		return Masked{}.Embed(l, b, row)
	}

	if err := s.check(l, b, b.InputPerms); err != nil {
		return nil, err
	}

	x := b.Inputs[row]
	out := mat.NewDense(len(x), l.DModel, nil)
	for i := range l.Buckets {
		bucket := &l.Buckets[i]
		switch bucket.Kind {
		case Head:
			ids := make([]int, len(x))
			for p, t := range x {
				ids[p] = min(int(t), bucket.Right-1)
				if ids[p] < 0 {
					return nil, fmt.Errorf("%w: %d at position %d", ErrToken, t, p)
				}
			}

			y := bucket.embed(ids)
			for p, m := range b.InputMask[row] {
				floats.Scale(m, y.RawRowView(p))
			}
			out.Add(out, y)
		case Tail:
			perm := b.InputPerms[i-1][row]
			ids, err := slotTokens(perm, x, bucket)
			if err != nil {
				return nil, fmt.Errorf("row %d bucket %d: %w", row, i, err)
			}

			var y mat.Dense
			y.Mul(perm, bucket.embed(ids))
			out.Add(out, &y)
		}
	}

	return l.scale(out), nil
}

func (s Permuted) Loss(l *Layer, b *input.Batch, hidden []*mat.Dense) (model.Loss, error) {
	if err := s.check(l, b, b.TargetPerms); err != nil {
		return model.Loss{}, err
	}

	if len(hidden) != len(b.Labels) {
		return model.Loss{}, fmt.Errorf("%w: %d hidden rows for %d label rows", input.ErrBatchShape, len(hidden), len(b.Labels))
	}

	var loss model.Loss
	for r, h := range hidden {
		rowLoss, err := l.permutedLoss(h, b, r)
		if err != nil {
			return model.Loss{}, fmt.Errorf("row %d: %w", r, err)
		}
		loss = loss.Add(rowLoss)
	}

	return loss, nil
}

func (l *Layer) permutedLoss(h *mat.Dense, b *input.Batch, row int) (model.Loss, error) {
	head := ml.LogSoftmax(l.logits(&l.Buckets[0], h))
	_, classes := head.Dims()

	headNLL := make([]float64, len(b.HeadLabels[row]))
	for p, t := range b.HeadLabels[row] {
		if t < 0 || int(t) >= classes {
			return model.Loss{}, fmt.Errorf("%w: head label %d at position %d", ErrToken, t, p)
		}
		headNLL[p] = -head.At(p, int(t))
	}

	var loss model.Loss
	for i := range l.Buckets {
		bucket := &l.Buckets[i]
		switch bucket.Kind {
		case Head:
			mask := b.TargetMask[row]
			loss.Sum += floats.Dot(headNLL, mask)
			loss.Count += floats.Sum(mask)
		case Tail:
			perm := b.TargetPerms[i-1][row]
			ids, err := slotTokens(perm, b.Labels[row], bucket)
			if err != nil {
				return model.Loss{}, fmt.Errorf("bucket %d: %w", i, err)
			}

			var gathered mat.Dense
			gathered.Mul(perm.T(), h)
			tail := ml.LogSoftmax(l.logits(bucket, &gathered))

			window, bin := perm.Dims()
			for k := range bin {
				var m, cluster float64
				for p := range window {
					m += perm.At(p, k)
					cluster += headNLL[p] * perm.At(p, k)
				}

				loss.Sum += (cluster - tail.At(k, ids[k])) * m
				loss.Count += m
			}
		}
	}

	return loss, nil
}
