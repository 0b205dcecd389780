package dataset

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/jmorganca/txl/model"
)

// DefaultStdMult is the number of standard deviations of headroom given
// to every tail bucket.
const DefaultStdMult = 2.5

// BinSizes holds the slot capacity of every tail bucket.
type BinSizes []int

// NearestToEight rounds x to a multiple of 8, rounding up when the
// remainder is at least 4 and never returning less than 8.
func NearestToEight(x int) int {
	y := x - x%8
	if x%8 >= 4 {
		return y + 8
	}
	return max(8, y)
}

// BucketStats describes how often a bucket occurs per window.
type BucketStats struct {
	Left, Right int

	// Mean and Std are the population statistics of the fraction of a
	// window's tokens falling in the bucket.
	Mean, Std float64

	// Expected is the mean number of tokens per window.
	Expected float64

	// BinSize is the planned capacity. It is zero for the head bucket.
	BinSize int
}

// Stats computes per-bucket occurrence statistics over data viewed as a
// [batchSize, windows, windowLen] grid. batchSize is the per-core batch.
func Stats(data []int32, batchSize, windowLen int, cutoffs model.Cutoffs, stdMult []float64) ([]BucketStats, error) {
	if err := cutoffs.Validate(0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if batchSize < 1 || windowLen < 1 {
		return nil, fmt.Errorf("%w: batch size %d and window length %d must be positive", ErrConfig, batchSize, windowLen)
	}

	windows := len(data) / batchSize / windowLen
	if windows == 0 {
		return nil, fmt.Errorf("%w: %d tokens for batch size %d and window length %d", ErrNotEnoughData, len(data), batchSize, windowLen)
	}

	tokens := float64(batchSize * windowLen)
	stats := make([]BucketStats, cutoffs.NumBuckets())
	for i := range stats {
		left, right := cutoffs.Bounds(i)

		percents := make([]float64, windows)
		for b := range batchSize {
			for w := range windows {
				offset := (b*windows + w) * windowLen
				for _, t := range data[offset : offset+windowLen] {
					if int(t) >= left && int(t) < right {
						percents[w]++
					}
				}
			}
		}
		floats.Scale(1/tokens, percents)

		mean, variance := stat.PopMeanVariance(percents, nil)
		s := BucketStats{
			Left:     left,
			Right:    right,
			Mean:     mean,
			Std:      math.Sqrt(variance),
			Expected: mean * tokens,
		}

		if i > 0 {
			mult := stdMultiplier(stdMult, i-1)
			s.BinSize = NearestToEight(int(math.Ceil(tokens * (s.Mean + mult*s.Std))))
		}

		stats[i] = s
	}

	return stats, nil
}

// Plan returns the capacity of every tail bucket. A single-bucket
// configuration has no tail and yields an empty list.
func Plan(data []int32, batchSize, windowLen int, cutoffs model.Cutoffs, stdMult []float64) (BinSizes, error) {
	stats, err := Stats(data, batchSize, windowLen, cutoffs, stdMult)
	if err != nil {
		return nil, err
	}

	bins := make(BinSizes, 0, len(stats)-1)
	for _, s := range stats[1:] {
		bins = append(bins, s.BinSize)
	}
	return bins, nil
}

// stdMultiplier returns the multiplier for tail bucket b. Missing entries
// repeat the last one.
func stdMultiplier(mults []float64, b int) float64 {
	switch {
	case len(mults) == 0:
		return DefaultStdMult
	case b < len(mults):
		return mults[b]
	default:
		return mults[len(mults)-1]
	}
}
