package dataset

import (
	"fmt"
	"slices"

	"github.com/jmorganca/txl/model"
)

// Permutation routes the tokens of one bucket into its slots: every tuple
// is a (position, slot) pair. Slots are handed out in position order and
// never exceed the bucket's capacity.
type Permutation struct {
	Count  int
	Tuples [][2]int
}

// Features are the static-shape features of one example.
type Features struct {
	// HeadLabels are the labels with tail tokens replaced by their cluster id.
	HeadLabels []int32

	// InputMask and TargetMask are 1 where the token is in the head bucket.
	InputMask  []float32
	TargetMask []float32

	// Inputs and Targets hold one permutation per tail bucket.
	Inputs  []Permutation
	Targets []Permutation
}

// SlotState holds the next free slot of every tail bucket for the rows of
// one core. Input and target slots are counted independently.
type SlotState struct {
	Inputs  []int
	Targets []int
}

type Encoder struct {
	cutoffs     model.Cutoffs
	binSizes    BinSizes
	rowsPerCore int
}

// NewEncoder validates the bucket configuration. batchSize is the per-host
// batch, split evenly across coresPerHost cores.
func NewEncoder(cutoffs model.Cutoffs, binSizes BinSizes, batchSize, coresPerHost int) (*Encoder, error) {
	if len(cutoffs)-len(binSizes) != 2 {
		return nil, fmt.Errorf("%w: %d cutoffs need %d bin sizes, got %d", ErrConfig, len(cutoffs), max(len(cutoffs)-2, 0), len(binSizes))
	}

	if err := cutoffs.Validate(0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	for b, n := range binSizes {
		if n < 1 {
			return nil, fmt.Errorf("%w: bin size %d of bucket %d must be positive", ErrConfig, n, b+1)
		}
	}

	if coresPerHost < 1 || batchSize < coresPerHost || batchSize%coresPerHost != 0 {
		return nil, fmt.Errorf("%w: batch size %d is not divisible across %d cores", ErrConfig, batchSize, coresPerHost)
	}

	return &Encoder{
		cutoffs:     cutoffs,
		binSizes:    slices.Clone(binSizes),
		rowsPerCore: batchSize / coresPerHost,
	}, nil
}

func (e *Encoder) NewState() *SlotState {
	return &SlotState{
		Inputs:  make([]int, len(e.binSizes)),
		Targets: make([]int, len(e.binSizes)),
	}
}

// State returns the slot state for batch row. The first row of every core
// starts a fresh state; other rows continue prev.
func (e *Encoder) State(prev *SlotState, row int) *SlotState {
	if prev == nil || row%e.rowsPerCore == 0 {
		return e.NewState()
	}
	return prev
}

// Encode computes the static features of one example and advances s.
// Tokens that find their bucket full are dropped from it.
func (e *Encoder) Encode(s *SlotState, inputs, labels []int32) Features {
	f := Features{
		HeadLabels: slices.Clone(labels),
		InputMask:  e.headMask(inputs),
		TargetMask: e.headMask(labels),
		Inputs:     make([]Permutation, len(e.binSizes)),
		Targets:    make([]Permutation, len(e.binSizes)),
	}

	for b, bin := range e.binSizes {
		left, right := e.cutoffs.Bounds(b + 1)
		f.Inputs[b] = assign(inputs, left, right, bin, &s.Inputs[b])
		f.Targets[b] = assign(labels, left, right, bin, &s.Targets[b])

		cluster := int32(e.cutoffs.ClusterID(b))
		for p, t := range labels {
			if int(t) >= left && int(t) < right {
				f.HeadLabels[p] = cluster
			}
		}
	}

	return f
}

func (e *Encoder) headMask(tokens []int32) []float32 {
	left, right := e.cutoffs.Bounds(0)
	mask := make([]float32, len(tokens))
	for p, t := range tokens {
		if int(t) >= left && int(t) < right {
			mask[p] = 1
		}
	}
	return mask
}

func assign(tokens []int32, left, right, bin int, next *int) Permutation {
	var perm Permutation
	for p, t := range tokens {
		if int(t) < left || int(t) >= right {
			continue
		}

		if *next >= bin {
			break
		}

		perm.Tuples = append(perm.Tuples, [2]int{p, *next})
		*next++
	}

	perm.Count = len(perm.Tuples)
	return perm
}
