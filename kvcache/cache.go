package kvcache

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var ErrBatchSize = errors.New("memory batch size does not match input")

type Cache interface {
	// ** used by model implementations **

	// Get returns the memory held for layer, one [mlen, d_model] matrix
	// per batch row. Rows are nil while the memory is empty.
	Get(layer int) []*mat.Dense

	// Put records the input of layer for the next segment. It must be
	// called after Get for the same layer since it replaces what Get
	// returned.
	Put(layer int, hidden []*mat.Dense) error

	// PutTokens records the token ids of the segment alongside the
	// hidden memory, truncated the same way.
	PutTokens(ids [][]int32) error

	// Tokens returns the token ids covered by memory, one slice per
	// batch row, or nil while the memory is empty.
	Tokens() [][]int32

	// ** cache management **

	// Len returns the number of positions currently remembered.
	Len() int

	// Rows returns the number of batch rows held, or 0 while empty.
	Rows() int

	// Reset discards all memory. It is called at every independent
	// stream boundary.
	Reset()
}
