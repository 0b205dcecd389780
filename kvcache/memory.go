package kvcache

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml"
)

type State int

const (
	Empty State = iota
	Partial
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Memory holds, per layer and batch row, at most memLen past hidden states.
// Values are detached copies and may be stored at reduced precision.
type Memory struct {
	memLen int
	dtype  ml.DType

	// layers[layer][row] is [length, d_model] or nil
	layers [][]*mat.Dense

	// tokens[row] holds the ids behind the remembered positions
	tokens [][]int32
}

func NewMemory(numLayers, memLen int, dtype ml.DType) *Memory {
	return &Memory{
		memLen: memLen,
		dtype:  dtype,
		layers: make([][]*mat.Dense, numLayers),
	}
}

func (m *Memory) Get(layer int) []*mat.Dense {
	return m.layers[layer]
}

// Put replaces the memory of layer with the last memLen rows of
// concat(prev, hidden) for every batch row. With memLen 0 memory is left
// untouched.
func (m *Memory) Put(layer int, hidden []*mat.Dense) error {
	if m.memLen == 0 {
		return nil
	}

	prev := m.layers[layer]
	if prev != nil && len(prev) != len(hidden) {
		return fmt.Errorf("%w: layer %d holds %d rows, got %d", ErrBatchSize, layer, len(prev), len(hidden))
	}

	next := make([]*mat.Dense, len(hidden))
	for i, h := range hidden {
		var p *mat.Dense
		if prev != nil {
			p = prev[i]
		}

		next[i] = ml.LastRows(ml.Concat(p, h), m.memLen)
		ml.Quantize(next[i], m.dtype)
	}

	m.layers[layer] = next
	return nil
}

// PutTokens keeps the last memLen token ids of every row.
func (m *Memory) PutTokens(ids [][]int32) error {
	if m.memLen == 0 {
		return nil
	}

	if m.tokens != nil && len(m.tokens) != len(ids) {
		return fmt.Errorf("%w: memory holds %d token rows, got %d", ErrBatchSize, len(m.tokens), len(ids))
	}

	next := make([][]int32, len(ids))
	for i, row := range ids {
		var prev []int32
		if m.tokens != nil {
			prev = m.tokens[i]
		}

		cat := slices.Concat(prev, row)
		next[i] = cat[max(len(cat)-m.memLen, 0):]
	}

	m.tokens = next
	return nil
}

func (m *Memory) Tokens() [][]int32 {
	return m.tokens
}

func (m *Memory) Rows() int {
	for _, rows := range m.layers {
		if rows != nil {
			return len(rows)
		}
	}
	return len(m.tokens)
}

func (m *Memory) Len() int {
	for _, rows := range m.layers {
		if len(rows) > 0 && rows[0] != nil {
			r, _ := rows[0].Dims()
			return r
		}
	}
	return 0
}

func (m *Memory) State() State {
	switch n := m.Len(); {
	case n == 0:
		return Empty
	case n < m.memLen:
		return Partial
	default:
		return Full
	}
}

func (m *Memory) Reset() {
	for i := range m.layers {
		m.layers[i] = nil
	}
	m.tokens = nil
}
