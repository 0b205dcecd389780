package ml

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/mat"
)

// RelShift realigns a [qlen, klen] score matrix computed against absolute
// position-embedding index j (embeddings ordered klen-1 ... 0) so that entry
// (i, j) holds the score for relative distance (i + klen - qlen) - j.
//
// The shift pads one zero column on the left, views the result as
// [klen+1, qlen], drops the first row and views it back as [qlen, klen].
// Entries above the causal diagonal wrap into the next row and must be masked.
func RelShift(x *mat.Dense) *mat.Dense {
	qlen, klen := x.Dims()

	backing := make([]float64, qlen*klen)
	for i := range qlen {
		copy(backing[i*klen:(i+1)*klen], x.RawRowView(i))
	}

	t := tensor.New(tensor.WithShape(qlen, klen), tensor.WithBacking(backing))
	pad := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(qlen, 1))

	padded, err := tensor.Concat(1, pad, t)
	if err != nil {
		panic(fmt.Errorf("rel shift: pad: %w", err))
	}

	d := padded.(*tensor.Dense)
	if err := d.Reshape(klen+1, qlen); err != nil {
		panic(fmt.Errorf("rel shift: reshape: %w", err))
	}

	view, err := d.Slice(tensor.S(1, klen+1))
	if err != nil {
		panic(fmt.Errorf("rel shift: slice: %w", err))
	}

	shifted := tensor.Materialize(view).(*tensor.Dense)
	if err := shifted.Reshape(qlen, klen); err != nil {
		panic(fmt.Errorf("rel shift: reshape back: %w", err))
	}

	rows, err := native.MatrixF64(shifted)
	if err != nil {
		panic(fmt.Errorf("rel shift: %w", err))
	}

	out := mat.NewDense(qlen, klen, nil)
	for i, row := range rows {
		out.SetRow(i, row)
	}
	return out
}

// PositionalEmbedding returns the [klen, dModel] sinusoid table for relative
// positions klen-1 down to 0. If clampLen > 0 positions are clamped to it.
func PositionalEmbedding(klen, dModel, clampLen int) *mat.Dense {
	half := dModel / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(10000, float64(2*i)/float64(dModel))
	}

	emb := mat.NewDense(klen, 2*half, nil)
	for j := range klen {
		pos := float64(klen - 1 - j)
		if clampLen > 0 {
			pos = math.Min(pos, float64(clampLen))
		}

		row := emb.RawRowView(j)
		for i, f := range invFreq {
			row[i] = math.Sin(pos * f)
			row[half+i] = math.Cos(pos * f)
		}
	}

	return emb
}

// AttentionMask returns a [qlen, mlen+qlen] matrix where 1 marks a key the
// query may not attend to. Query i sees every memory slot and current
// positions j <= i. With sameLength, keys further back than mlen positions
// are masked as well, so every query sees exactly mlen+1 keys.
func AttentionMask(qlen, mlen int, sameLength bool) *mat.Dense {
	klen := mlen + qlen
	m := mat.NewDense(qlen, klen, nil)
	for i := range qlen {
		for j := range klen {
			if j > i+mlen {
				m.Set(i, j, 1)
			}
			if sameLength && j < qlen && j < i {
				m.Set(i, j, 1)
			}
		}
	}
	return m
}

// ApplyMask biases masked logits by maskValue: score*(1-m) + maskValue*m.
func ApplyMask(scores, mask *mat.Dense, maskValue float64) {
	scores.Apply(func(i, j int, v float64) float64 {
		m := mask.At(i, j)
		return v*(1-m) + maskValue*m
	}, scores)
}
