package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type Embedding struct {
	Weight *mat.Dense
}

// Forward returns one row of Weight per id.
func (m *Embedding) Forward(ids []int) *mat.Dense {
	rows, cols := m.Weight.Dims()
	out := mat.NewDense(len(ids), cols, nil)
	for i, id := range ids {
		if id < 0 || id >= rows {
			panic(fmt.Errorf("embedding: id %d out of range [0, %d)", id, rows))
		}
		out.SetRow(i, m.Weight.RawRowView(id))
	}

	return out
}
