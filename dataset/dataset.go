// Package dataset turns token streams into fixed-shape training records:
// it plans per-bucket capacities, batches the stream into windows, routes
// tail tokens into capacity-bounded slots and reads the records back.
package dataset

import "errors"

var (
	// ErrConfig reports an inconsistent preprocessing configuration. It is
	// returned before any record is written.
	ErrConfig = errors.New("invalid dataset configuration")

	// ErrNotEnoughData is returned when a stream is too short to fill a
	// single window of every batch row.
	ErrNotEnoughData = errors.New("not enough data")

	// ErrMalformedRecord is returned when a record does not match the shapes
	// recorded in its manifest.
	ErrMalformedRecord = errors.New("malformed record")
)
