package adaptive

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/ml/nn"
	"github.com/jmorganca/txl/model"
	"github.com/jmorganca/txl/model/input"
)

func newTestLayer(t *testing.T, opts Options, rng *rand.Rand) *Layer {
	t.Helper()

	l, err := New(opts, rng)
	require.NoError(t, err)

	// non-zero biases and clusters so every term of the loss matters
	for i := range l.Buckets {
		for j := range l.Buckets[i].Bias {
			l.Buckets[i].Bias[j] = rng.NormFloat64()
		}
	}
	if l.ClusterWeight != nil {
		r, c := l.ClusterWeight.Dims()
		l.ClusterWeight.Copy(nn.Normal(r, c, 0.5, rng))
		for j := range l.ClusterBias {
			l.ClusterBias[j] = rng.NormFloat64()
		}
	}
	return l
}

// staticBatch builds the features the encoder would emit for one core,
// with slots assigned in position order up to bin.
func staticBatch(c model.Cutoffs, inputs, labels [][]int32, bin int) *input.Batch {
	numTail := c.NumTail()
	b := &input.Batch{
		Inputs:      inputs,
		Labels:      labels,
		InputPerms:  make([][]*mat.Dense, numTail),
		TargetPerms: make([][]*mat.Dense, numTail),
	}
	for i := range numTail {
		b.InputPerms[i] = make([]*mat.Dense, len(inputs))
		b.TargetPerms[i] = make([]*mat.Dense, len(inputs))
	}

	route := func(tokens []int32, row int, perms [][]*mat.Dense, head []int32) []float64 {
		mask := make([]float64, len(tokens))
		slots := make([]int, numTail)
		for i := range numTail {
			perms[i][row] = mat.NewDense(len(tokens), bin, nil)
		}

		for p, tok := range tokens {
			bk := c.Bucket(int(tok))
			if bk == 0 {
				mask[p] = 1
				if head != nil {
					head[p] = tok
				}
				continue
			}

			if head != nil {
				head[p] = int32(c.ClusterID(bk - 1))
			}
			if slots[bk-1] < bin {
				perms[bk-1][row].Set(p, slots[bk-1], 1)
				slots[bk-1]++
			}
		}
		return mask
	}

	for r := range inputs {
		head := make([]int32, len(labels[r]))
		b.InputMask = append(b.InputMask, route(inputs[r], r, b.InputPerms, nil))
		b.TargetMask = append(b.TargetMask, route(labels[r], r, b.TargetPerms, head))
		b.HeadLabels = append(b.HeadLabels, head)
	}

	return b
}

func randomTokens(rows, window, n int, rng *rand.Rand) [][]int32 {
	out := make([][]int32, rows)
	for r := range out {
		out[r] = make([]int32, window)
		for p := range out[r] {
			out[r][p] = int32(rng.Intn(n))
		}
	}
	return out
}

func randomHidden(rows, window, d int, rng *rand.Rand) []*mat.Dense {
	out := make([]*mat.Dense, rows)
	for r := range out {
		out[r] = nn.Normal(window, d, 1, rng)
	}
	return out
}

func TestStrategiesAgree(t *testing.T) {
	cases := []struct {
		name string
		opts Options
	}{
		{
			name: "SharedTable",
			opts: Options{NumTokens: 20, DEmbed: 8, DModel: 6, DivVal: 1, Cutoffs: model.Cutoffs{0, 5, 12, 20}},
		},
		{
			name: "SharedTableSameDim",
			opts: Options{NumTokens: 20, DEmbed: 6, DModel: 6, DivVal: 1, Cutoffs: model.Cutoffs{0, 5, 12, 20}, TieProjs: []bool{false, true, true}},
		},
		{
			name: "DivVal",
			opts: Options{NumTokens: 20, DEmbed: 8, DModel: 6, DivVal: 2, Cutoffs: model.Cutoffs{0, 5, 12, 20}, ProjSameDim: true},
		},
		{
			name: "DivValTied",
			opts: Options{NumTokens: 20, DEmbed: 8, DModel: 8, DivVal: 2, Cutoffs: model.Cutoffs{0, 5, 12, 20}, TieProjs: []bool{false, true, true}},
		},
		{
			name: "TwoBuckets",
			opts: Options{NumTokens: 50, DEmbed: 8, DModel: 8, DivVal: 4, Cutoffs: model.Cutoffs{0, 10, 50}, ProjSameDim: true, TieProjs: []bool{false, true}},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			tt.opts.InitStd, tt.opts.ProjInitStd = 0.5, 0.5
			l := newTestLayer(t, tt.opts, rng)

			rows, window := 3, 10
			inputs := randomTokens(rows, window, tt.opts.NumTokens, rng)
			labels := randomTokens(rows, window, tt.opts.NumTokens, rng)
			// window-sized bins can never overflow
			batch := staticBatch(tt.opts.Cutoffs, inputs, labels, 16)
			require.NoError(t, batch.Validate())

			hidden := randomHidden(rows, window, tt.opts.DModel, rng)

			masked, err := Masked{}.Loss(l, batch, hidden)
			require.NoError(t, err)
			permuted, err := Permuted{}.Loss(l, batch, hidden)
			require.NoError(t, err)

			assert.Equal(t, float64(rows*window), masked.Count)
			assert.InDelta(t, masked.Count, permuted.Count, 1e-9)
			assert.InEpsilon(t, masked.Mean(), permuted.Mean(), 1e-5)

			for r := range rows {
				me, err := Masked{}.Embed(l, batch, r)
				require.NoError(t, err)
				pe, err := Permuted{}.Embed(l, batch, r)
				require.NoError(t, err)
				assert.True(t, mat.EqualApprox(me, pe, 1e-9), "row %d embeddings differ", r)
			}
		})
	}
}

func TestPermutedTruncation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c := model.Cutoffs{0, 2, 20}
	l := newTestLayer(t, Options{NumTokens: 20, DEmbed: 4, DModel: 4, DivVal: 2, Cutoffs: c, ProjSameDim: true, InitStd: 0.5, ProjInitStd: 0.5}, rng)

	// ten tail tokens in a single row, only eight slots
	inputs := [][]int32{{0, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 1}}
	labels := [][]int32{{5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 1, 0}}
	batch := staticBatch(c, inputs, labels, 8)
	hidden := randomHidden(1, 12, 4, rng)

	permuted, err := Permuted{}.Loss(l, batch, hidden)
	require.NoError(t, err)

	// two head tokens plus eight routed tail tokens
	assert.Equal(t, 10.0, permuted.Count)

	nll, err := l.NLL(hidden[0], labels[0])
	require.NoError(t, err)

	var want float64
	for p, v := range nll {
		if p == 8 || p == 9 {
			continue
		}
		want += v
	}
	assert.InDelta(t, want, permuted.Sum, 1e-9)

	// dropped inputs have no embedding
	emb, err := Permuted{}.Embed(l, batch, 0)
	require.NoError(t, err)
	for _, p := range []int{9, 10} {
		assert.Equal(t, make([]float64, 4), emb.RawRowView(p), "position %d", p)
	}
	assert.NotEqual(t, make([]float64, 4), emb.RawRowView(8))
}

func TestSingleBucketStatic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	c := model.Cutoffs{0, 12}
	l := newTestLayer(t, Options{NumTokens: 12, DEmbed: 4, DModel: 4, DivVal: 2, Cutoffs: c, InitStd: 0.5, ProjInitStd: 0.5}, rng)

	require.Nil(t, l.ClusterWeight)
	require.Len(t, l.Buckets, 1)
	assert.Equal(t, Head, l.Buckets[0].Kind)

	inputs := randomTokens(2, 6, 12, rng)
	labels := randomTokens(2, 6, 12, rng)
	batch := staticBatch(c, inputs, labels, 8)

	require.Empty(t, batch.TargetPerms)
	require.Equal(t, labels, batch.HeadLabels)
	require.True(t, batch.Static())

	hidden := randomHidden(2, 6, 4, rng)
	masked, err := Masked{}.Loss(l, batch, hidden)
	require.NoError(t, err)
	permuted, err := Permuted{}.Loss(l, batch, hidden)
	require.NoError(t, err)

	assert.Equal(t, 12.0, permuted.Count)
	assert.InEpsilon(t, masked.Mean(), permuted.Mean(), 1e-9)
}

func TestProbabilitiesNormalize(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	c := model.Cutoffs{0, 3, 7, 15}
	l := newTestLayer(t, Options{NumTokens: 15, DEmbed: 8, DModel: 6, DivVal: 2, Cutoffs: c, ProjSameDim: true, InitStd: 0.5, ProjInitStd: 0.5}, rng)

	// the same hidden state scored against every token in the vocabulary
	row := nn.Normal(1, 6, 1, rng).RawRowView(0)
	h := mat.NewDense(15, 6, nil)
	labels := make([]int32, 15)
	for i := range labels {
		h.SetRow(i, row)
		labels[i] = int32(i)
	}

	nll, err := l.NLL(h, labels)
	require.NoError(t, err)

	var total float64
	for _, v := range nll {
		total += math.Exp(-v)
	}
	assert.InDelta(t, 1, total, 1e-9)
}

func TestLogProbs(t *testing.T) {
	cases := []struct {
		name    string
		cutoffs model.Cutoffs
		divVal  int
	}{
		{"Tail", model.Cutoffs{0, 3, 7, 15}, 2},
		{"SharedTable", model.Cutoffs{0, 5, 15}, 1},
		{"SingleBucket", model.Cutoffs{0, 15}, 1},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(6))
			l := newTestLayer(t, Options{NumTokens: 15, DEmbed: 8, DModel: 6, DivVal: tt.divVal, Cutoffs: tt.cutoffs, InitStd: 0.5, ProjInitStd: 0.5}, rng)

			h := nn.Normal(4, 6, 1, rng)
			lp := l.LogProbs(h)
			r, c := lp.Dims()
			require.Equal(t, [2]int{4, 15}, [2]int{r, c})

			for p := range 4 {
				assert.InDelta(t, 0, floats.LogSumExp(lp.RawRowView(p)), 1e-9, "row %d", p)
			}

			labels := randomTokens(1, 4, 15, rng)[0]
			nll, err := l.NLL(h, labels)
			require.NoError(t, err)
			for p, tok := range labels {
				assert.InDelta(t, -nll[p], lp.At(p, int(tok)), 1e-9, "position %d", p)
			}
		})
	}
}

func TestProjModes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	l, err := New(Options{NumTokens: 20, DEmbed: 8, DModel: 8, DivVal: 2, Cutoffs: model.Cutoffs{0, 5, 12, 20}, TieProjs: []bool{false, true, true}, InitStd: 0.1, ProjInitStd: 0.1}, rng)
	require.NoError(t, err)

	assert.Equal(t, []ProjMode{ProjNone, ProjTied, ProjTied}, []ProjMode{l.Buckets[0].Proj, l.Buckets[1].Proj, l.Buckets[2].Proj})
	assert.Same(t, l.Buckets[1].InputProj, l.Buckets[1].OutputProj)
	assert.Nil(t, l.Buckets[0].InputProj)

	r, c := l.Buckets[2].Table.Dims()
	assert.Equal(t, [2]int{8, 2}, [2]int{r, c})

	l, err = New(Options{NumTokens: 20, DEmbed: 8, DModel: 8, DivVal: 2, Cutoffs: model.Cutoffs{0, 5, 12, 20}, ProjSameDim: true, InitStd: 0.1, ProjInitStd: 0.1}, rng)
	require.NoError(t, err)
	assert.Equal(t, ProjOwn, l.Buckets[0].Proj)
	assert.NotSame(t, l.Buckets[0].InputProj, l.Buckets[0].OutputProj)

	_, err = New(Options{NumTokens: 20, DEmbed: 8, DModel: 8, DivVal: 2, Cutoffs: model.Cutoffs{0, 5, 20}, TieProjs: []bool{true}}, rng)
	require.Error(t, err)

	_, err = New(Options{NumTokens: 20, DEmbed: 8, DModel: 8, DivVal: 1, Cutoffs: model.Cutoffs{0, 12, 5, 20}}, rng)
	require.True(t, errors.Is(err, model.ErrCutoffs))
}

func TestStrategyErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	c := model.Cutoffs{0, 5, 20}
	l := newTestLayer(t, Options{NumTokens: 20, DEmbed: 4, DModel: 4, DivVal: 2, Cutoffs: c, ProjSameDim: true, InitStd: 0.1, ProjInitStd: 0.1}, rng)

	dynamic := &input.Batch{Inputs: [][]int32{{1, 2}}, Labels: [][]int32{{2, 3}}}
	hidden := randomHidden(1, 2, 4, rng)

	_, err := Permuted{}.Loss(l, dynamic, hidden)
	assert.True(t, errors.Is(err, input.ErrBatchShape))

	_, err = Permuted{}.Embed(l, dynamic, 0)
	assert.True(t, errors.Is(err, input.ErrBatchShape))

	bad := &input.Batch{Inputs: [][]int32{{1, 2}}, Labels: [][]int32{{2, 20}}}
	_, err = Masked{}.Loss(l, bad, hidden)
	assert.True(t, errors.Is(err, ErrToken))

	assert.IsType(t, Permuted{}, ForMode(true))
	assert.IsType(t, Masked{}, ForMode(false))
}
