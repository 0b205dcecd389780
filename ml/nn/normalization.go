package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
)

type LayerNorm struct {
	Weight []float64
	Bias   []float64
}

func NewLayerNorm(dim int) *LayerNorm {
	w := make([]float64, dim)
	for i := range w {
		w[i] = 1
	}
	return &LayerNorm{Weight: w, Bias: make([]float64, dim)}
}

// Forward normalizes t in place and returns it.
func (m *LayerNorm) Forward(t *mat.Dense, eps float64) *mat.Dense {
	ml.LayerNorm(t, m.Weight, m.Bias, eps)
	return t
}
