package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogSoftmax returns the row-wise log-softmax of x.
func LogSoftmax(x mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(x)
	rows, _ := out.Dims()
	for i := range rows {
		row := out.RawRowView(i)
		floats.AddConst(-floats.LogSumExp(row), row)
	}
	return out
}

// Softmax normalizes every row of x in place.
func Softmax(x *mat.Dense) {
	rows, _ := x.Dims()
	for i := range rows {
		row := x.RawRowView(i)
		lse := floats.LogSumExp(row)
		for j, v := range row {
			row[j] = math.Exp(v - lse)
		}
	}
}

// LayerNorm normalizes every row of x in place and applies the affine
// weight and bias when they are set.
func LayerNorm(x *mat.Dense, weight, bias []float64, eps float64) {
	rows, cols := x.Dims()
	n := float64(cols)
	for i := range rows {
		row := x.RawRowView(i)
		mean := floats.Sum(row) / n

		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= n

		inv := 1 / math.Sqrt(variance+eps)
		for j, v := range row {
			v = (v - mean) * inv
			if weight != nil {
				v *= weight[j]
			}
			if bias != nil {
				v += bias[j]
			}
			row[j] = v
		}
	}
}

// AddRow adds v to every row of x in place.
func AddRow(x *mat.Dense, v []float64) {
	rows, cols := x.Dims()
	if len(v) != cols {
		panic(fmt.Errorf("add row: vector has %d elements, matrix has %d columns", len(v), cols))
	}

	for i := range rows {
		floats.Add(x.RawRowView(i), v)
	}
}

// ReLU clamps negative elements of x to zero in place.
func ReLU(x *mat.Dense) {
	x.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	}, x)
}

// Concat stacks b below a. A nil a returns a copy of b.
func Concat(a, b *mat.Dense) *mat.Dense {
	if a == nil {
		return mat.DenseCopyOf(b)
	}

	var out mat.Dense
	out.Stack(a, b)
	return &out
}

// LastRows returns a copy of the final n rows of x.
func LastRows(x *mat.Dense, n int) *mat.Dense {
	rows, cols := x.Dims()
	if n >= rows {
		return mat.DenseCopyOf(x)
	}

	return mat.DenseCopyOf(x.Slice(rows-n, rows, 0, cols))
}

// Gather returns the [len(idx), cols] matrix whose row k holds row idx[k]
// of table, or nil when idx is empty.
func Gather(table mat.Matrix, idx []int) *mat.Dense {
	if len(idx) == 0 {
		return nil
	}

	_, cols := table.Dims()
	out := mat.NewDense(len(idx), cols, nil)
	for k, i := range idx {
		for j := range cols {
			out.Set(k, j, table.At(i, j))
		}
	}
	return out
}
