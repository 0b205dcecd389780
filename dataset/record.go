package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/encoding/tfrecord"
	"github.com/jmorganca/txl/model/input"
)

// NewExample builds the record of one batch row. f is nil for dynamic
// records.
func NewExample(inputs, labels []int32, f *Features) tfrecord.Example {
	e := tfrecord.Example{
		"inputs": tfrecord.Int64s(inputs),
		"labels": tfrecord.Int64s(labels),
	}

	if f == nil {
		return e
	}

	e["inp_mask"] = tfrecord.Floats(f.InputMask)
	e["tgt_mask"] = tfrecord.Floats(f.TargetMask)
	e["head_labels"] = tfrecord.Int64s(f.HeadLabels)

	for b := range f.Inputs {
		addPermutation(e, "inp", b, f.Inputs[b])
		addPermutation(e, "tgt", b, f.Targets[b])
	}

	return e
}

func addPermutation(e tfrecord.Example, prefix string, b int, perm Permutation) {
	tuples := make([]int, 0, 2*perm.Count)
	for _, t := range perm.Tuples {
		tuples = append(tuples, t[0], t[1])
	}

	e[fmt.Sprintf("%s_cnt_%d", prefix, b)] = tfrecord.Int64s([]int{perm.Count})
	e[fmt.Sprintf("%s_tup_%d", prefix, b)] = tfrecord.Int64s(tuples)
}

// Record is one parsed batch row. Permutations are expanded into dense
// [window, bin_size] 0/1 matrices.
type Record struct {
	Inputs []int32
	Labels []int32

	HeadLabels  []int32
	InputMask   []float64
	TargetMask  []float64
	InputPerms  []*mat.Dense
	TargetPerms []*mat.Dense
}

// ParseRecord decodes e. Static records must carry the features of every
// bucket in binSizes and have exactly windowLen positions.
func ParseRecord(e tfrecord.Example, binSizes BinSizes, windowLen int, static bool) (*Record, error) {
	var r Record
	var err error

	if r.Inputs, err = int32s(e, "inputs"); err != nil {
		return nil, err
	}
	if r.Labels, err = int32s(e, "labels"); err != nil {
		return nil, err
	}

	n := len(r.Inputs)
	if n == 0 || len(r.Labels) != n || n > windowLen || (static && n != windowLen) {
		return nil, fmt.Errorf("%w: %d inputs and %d labels for window length %d", ErrMalformedRecord, n, len(r.Labels), windowLen)
	}

	if !static {
		return &r, nil
	}

	if r.HeadLabels, err = int32s(e, "head_labels"); err != nil {
		return nil, err
	}
	if r.InputMask, err = float64s(e, "inp_mask"); err != nil {
		return nil, err
	}
	if r.TargetMask, err = float64s(e, "tgt_mask"); err != nil {
		return nil, err
	}

	if len(r.HeadLabels) != n || len(r.InputMask) != n || len(r.TargetMask) != n {
		return nil, fmt.Errorf("%w: static features do not span %d positions", ErrMalformedRecord, n)
	}

	for b, bin := range binSizes {
		inp, err := parsePermutation(e, "inp", b, n, bin)
		if err != nil {
			return nil, err
		}
		tgt, err := parsePermutation(e, "tgt", b, n, bin)
		if err != nil {
			return nil, err
		}

		r.InputPerms = append(r.InputPerms, inp)
		r.TargetPerms = append(r.TargetPerms, tgt)
	}

	return &r, nil
}

func parsePermutation(e tfrecord.Example, prefix string, b, window, bin int) (*mat.Dense, error) {
	cntName := fmt.Sprintf("%s_cnt_%d", prefix, b)
	cnt, err := e.Int64s(cntName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if len(cnt) != 1 || cnt[0] < 0 || cnt[0] > int64(bin) {
		return nil, fmt.Errorf("%w: %s = %v exceeds bin size %d", ErrMalformedRecord, cntName, cnt, bin)
	}

	tupName := fmt.Sprintf("%s_tup_%d", prefix, b)
	tup, err := e.Int64s(tupName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if int64(len(tup)) != 2*cnt[0] {
		return nil, fmt.Errorf("%w: %s has %d values for %d tuples", ErrMalformedRecord, tupName, len(tup), cnt[0])
	}

	perm := mat.NewDense(window, bin, nil)
	for i := 0; i < len(tup); i += 2 {
		pos, slot := tup[i], tup[i+1]
		if pos < 0 || pos >= int64(window) || slot < 0 || slot >= int64(bin) {
			return nil, fmt.Errorf("%w: %s tuple (%d, %d) outside [%d, %d]", ErrMalformedRecord, tupName, pos, slot, window, bin)
		}
		perm.Set(int(pos), int(slot), 1)
	}

	return perm, nil
}

func int32s(e tfrecord.Example, name string) ([]int32, error) {
	v, err := e.Int64s(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	out := make([]int32, len(v))
	for i, x := range v {
		out[i] = int32(x)
	}
	return out, nil
}

func float64s(e tfrecord.Example, name string) ([]float64, error) {
	v, err := e.Floats(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out, nil
}

// NewBatch stacks records into a batch. All records must share a window
// length and be either all static or all dynamic.
func NewBatch(records []*Record) (*input.Batch, error) {
	b := &input.Batch{}
	if len(records) == 0 {
		return b, nil
	}

	static := records[0].HeadLabels != nil
	if static {
		buckets := len(records[0].TargetPerms)
		b.InputPerms = make([][]*mat.Dense, buckets)
		b.TargetPerms = make([][]*mat.Dense, buckets)
	}

	for i, r := range records {
		if (r.HeadLabels != nil) != static || len(r.TargetPerms) != len(b.TargetPerms) {
			return nil, fmt.Errorf("%w: record %d mixes static and dynamic features", ErrMalformedRecord, i)
		}

		b.Inputs = append(b.Inputs, r.Inputs)
		b.Labels = append(b.Labels, r.Labels)

		if !static {
			continue
		}

		b.HeadLabels = append(b.HeadLabels, r.HeadLabels)
		b.InputMask = append(b.InputMask, r.InputMask)
		b.TargetMask = append(b.TargetMask, r.TargetMask)
		for k := range r.TargetPerms {
			b.InputPerms[k] = append(b.InputPerms[k], r.InputPerms[k])
			b.TargetPerms[k] = append(b.TargetPerms[k], r.TargetPerms[k])
		}
	}

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	return b, nil
}
