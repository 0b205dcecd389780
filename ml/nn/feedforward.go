package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
)

// FeedForward is the position-wise block: LayerNorm(x + Down(ReLU(Up(x)))).
type FeedForward struct {
	Up   *Linear
	Down *Linear
	Norm *LayerNorm
}

func (m *FeedForward) Forward(x *mat.Dense, eps float64) *mat.Dense {
	h := m.Up.Forward(x)
	ml.ReLU(h)
	h = m.Down.Forward(h)
	h.Add(h, x)
	return m.Norm.Forward(h, eps)
}
