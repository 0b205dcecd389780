package dataset

import (
	"fmt"
	"iter"
	"math/rand"
)

// Batchify reshapes data into [batchSize, steps] rows, dropping the
// remainder. With numPasses > 1 the stream is first replaced by numPasses
// cyclic rotations of itself at random offsets, recovering tokens that
// fixed-size batching would otherwise discard. A batch size below one
// yields no rows.
func Batchify(data []int32, batchSize, numPasses int, rng *rand.Rand) [][]int32 {
	if batchSize < 1 {
		return nil
	}

	if numPasses > 1 && len(data) > 0 {
		n := len(data)
		double := make([]int32, 0, 2*n)
		double = append(double, data...)
		double = append(double, data...)

		passes := make([]int32, 0, n*numPasses)
		for range numPasses {
			start := rng.Intn(n)
			passes = append(passes, double[start:start+n]...)
		}
		data = passes
	}

	steps := len(data) / batchSize
	grid := make([][]int32, batchSize)
	for b := range grid {
		grid[b] = data[b*steps : (b+1)*steps]
	}
	return grid
}

// Segment is one window of every batch row. Labels are the inputs shifted
// by one position.
type Segment struct {
	Index  int
	Start  int
	Inputs [][]int32
	Labels [][]int32
}

// Windows yields consecutive windows of grid. A trailing window shorter
// than windowLen is dropped when fixed is set. Nothing is yielded for a
// window length below one.
func Windows(grid [][]int32, windowLen int, fixed bool) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if len(grid) == 0 || windowLen < 1 {
			return
		}

		steps := len(grid[0])
		for i, t := 0, 0; t < steps-1; i, t = i+1, t+windowLen {
			n := min(steps-1-t, windowLen)
			if fixed && n < windowLen {
				return
			}

			s := Segment{Index: i, Start: t}
			for _, row := range grid {
				s.Inputs = append(s.Inputs, row[t:t+n])
				s.Labels = append(s.Labels, row[t+1:t+n+1])
			}

			if !yield(s) {
				return
			}
		}
	}
}

// NumWindows returns the number of windows Windows yields for rows of
// length steps.
func NumWindows(steps, windowLen int, fixed bool) int {
	if steps < 2 || windowLen < 1 {
		return 0
	}

	n := (steps - 1) / windowLen
	if !fixed && (steps-1)%windowLen != 0 {
		n++
	}
	return n
}

// HostSlice returns the records host hostID reads from a single training
// file holding numBatch windows. Windows that do not divide evenly among
// hosts are dropped.
func HostSlice(numBatch, numHosts, hostID, coresPerHost, perCoreBatch int) (skip, take int, err error) {
	if numHosts < 1 || hostID < 0 || hostID >= numHosts {
		return 0, 0, fmt.Errorf("%w: host %d of %d", ErrConfig, hostID, numHosts)
	}

	perHost := numBatch / numHosts
	skip = hostID * perHost * coresPerHost * perCoreBatch
	take = perHost * coresPerHost * perCoreBatch
	return skip, take, nil
}
