package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
)

// Linear maps rows of x through Weight ([in, out]) and adds Bias when set.
type Linear struct {
	Weight *mat.Dense
	Bias   []float64
}

func NewLinear(in, out int, bias bool, std float64, rng *rand.Rand) *Linear {
	l := &Linear{Weight: Normal(in, out, std, rng)}
	if bias {
		l.Bias = make([]float64, out)
	}
	return l
}

func (m *Linear) Forward(t mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(t, m.Weight)
	if m.Bias != nil {
		ml.AddRow(&out, m.Bias)
	}

	return &out
}

// Normal returns a [rows, cols] matrix with entries drawn from N(0, std²).
func Normal(rows, cols int, std float64, rng *rand.Rand) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return mat.NewDense(rows, cols, data)
}
