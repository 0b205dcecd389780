package input

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var ErrBatchShape = errors.New("inconsistent batch shape")

// Batch contains the inputs for one forward pass over a [batch, window] grid
// of tokens. Rows are independent streams; row r of consecutive batches
// continues the same stream.
type Batch struct {
	Inputs [][]int32
	Labels [][]int32

	// The fields below are only present for static-shape batches, where the
	// adaptive layers are driven by precomputed permutations.

	// HeadLabels are Labels with tail tokens replaced by their cluster id.
	HeadLabels [][]int32

	// InputMask and TargetMask flag positions whose token is in the head bucket.
	InputMask  [][]float64
	TargetMask [][]float64

	// InputPerms and TargetPerms are indexed [tail bucket][row] and hold
	// [window, bin_size] 0/1 matrices routing positions to bucket slots.
	InputPerms  [][]*mat.Dense
	TargetPerms [][]*mat.Dense
}

// Size returns the number of rows and the window length.
func (b *Batch) Size() (rows, window int) {
	if len(b.Inputs) == 0 {
		return 0, 0
	}
	return len(b.Inputs), len(b.Inputs[0])
}

// Static reports whether b carries permutation features.
func (b *Batch) Static() bool {
	return b.HeadLabels != nil
}

// Validate checks that every per-row field agrees with the input grid.
func (b *Batch) Validate() error {
	rows, window := b.Size()
	if rows == 0 || window == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatchShape)
	}

	check := func(name string, n, row int) error {
		if n != window {
			return fmt.Errorf("%w: %s row %d has length %d, want %d", ErrBatchShape, name, row, n, window)
		}
		return nil
	}

	if len(b.Labels) != rows {
		return fmt.Errorf("%w: %d label rows for %d input rows", ErrBatchShape, len(b.Labels), rows)
	}

	for r := range rows {
		if err := check("inputs", len(b.Inputs[r]), r); err != nil {
			return err
		}
		if err := check("labels", len(b.Labels[r]), r); err != nil {
			return err
		}
	}

	if !b.Static() {
		return nil
	}

	if len(b.HeadLabels) != rows || len(b.InputMask) != rows || len(b.TargetMask) != rows {
		return fmt.Errorf("%w: static features do not cover %d rows", ErrBatchShape, rows)
	}

	for r := range rows {
		if err := check("head_labels", len(b.HeadLabels[r]), r); err != nil {
			return err
		}
		if err := check("inp_mask", len(b.InputMask[r]), r); err != nil {
			return err
		}
		if err := check("tgt_mask", len(b.TargetMask[r]), r); err != nil {
			return err
		}
	}

	if len(b.InputPerms) != len(b.TargetPerms) {
		return fmt.Errorf("%w: %d input and %d target permutation buckets", ErrBatchShape, len(b.InputPerms), len(b.TargetPerms))
	}

	for i := range b.TargetPerms {
		for _, perms := range [][]*mat.Dense{b.InputPerms[i], b.TargetPerms[i]} {
			if len(perms) != rows {
				return fmt.Errorf("%w: bucket %d has %d permutation rows, want %d", ErrBatchShape, i, len(perms), rows)
			}
			_, bin := perms[0].Dims()
			for r, p := range perms {
				pr, pc := p.Dims()
				if pr != window || pc != bin {
					return fmt.Errorf("%w: bucket %d row %d permutation is %dx%d, want %dx%d", ErrBatchShape, i, r, pr, pc, window, bin)
				}
			}
		}
	}

	return nil
}
