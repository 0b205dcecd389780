package ml

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestRelShiftIndex(t *testing.T) {
	cases := []struct {
		name       string
		qlen, mlen int
	}{
		{"NoMemory", 4, 0},
		{"ShortMemory", 3, 2},
		{"LongMemory", 2, 5},
		{"SingleQuery", 1, 3},
		{"SingleKey", 1, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			klen := tt.qlen + tt.mlen

			// score against absolute index j' encodes the relative position
			// klen-1-j' that embedding row j' stands for.
			bd := mat.NewDense(tt.qlen, klen, nil)
			for i := range tt.qlen {
				for j := range klen {
					bd.Set(i, j, float64(100*i+klen-1-j))
				}
			}

			shifted := RelShift(bd)
			r, c := shifted.Dims()
			require.Equal(t, tt.qlen, r)
			require.Equal(t, klen, c)

			for i := range tt.qlen {
				for j := 0; j <= i+tt.mlen; j++ {
					want := float64(100*i + (i + tt.mlen - j))
					if got := shifted.At(i, j); got != want {
						t.Errorf("shifted[%d][%d] = %v, want %v", i, j, got, want)
					}
				}
			}
		})
	}
}

func TestRelShiftDependsOnDistance(t *testing.T) {
	qlen, mlen, d := 4, 3, 8
	klen := qlen + mlen

	r := PositionalEmbedding(klen, d, 0)

	// identical queries so any variation comes from the position term
	q := mat.NewDense(qlen, d, nil)
	for i := range qlen {
		for j := range d {
			q.Set(i, j, 0.1*float64(j+1))
		}
	}

	var bd mat.Dense
	bd.Mul(q, r.T())
	shifted := RelShift(&bd)

	pairs := [][2][2]int{
		{{0, 0}, {1, 1}},
		{{0, 3}, {3, 6}},
		{{1, 0}, {3, 2}},
		{{2, 4}, {3, 5}},
	}

	for _, p := range pairs {
		a, b := p[0], p[1]
		require.Equal(t, a[0]-a[1], b[0]-b[1])
		require.InDelta(t, shifted.At(a[0], a[1]), shifted.At(b[0], b[1]), 1e-12, "pairs %v and %v", a, b)
	}

	// distance 0 matches the embedding of position 0 (last row of r)
	var want float64
	for j := range d {
		want += q.At(0, j) * r.At(klen-1, j)
	}
	require.InDelta(t, want, shifted.At(0, mlen), 1e-12)
}

func TestPositionalEmbeddingClamp(t *testing.T) {
	emb := PositionalEmbedding(6, 4, 2)

	// positions are 5 4 3 2 1 0, clamped to 2 2 2 2 1 0
	for i := 1; i < 4; i++ {
		if diff := cmp.Diff(emb.RawRowView(0), emb.RawRowView(i)); diff != "" {
			t.Errorf("row %d differs from row 0 (-want +got):\n%s", i, diff)
		}
	}

	require.Equal(t, []float64{0, 0, 1, 1}, emb.RawRowView(5))
}

func TestAttentionMask(t *testing.T) {
	cases := []struct {
		name       string
		qlen, mlen int
		sameLength bool
		expected   []float64
	}{
		{
			name: "Causal",
			qlen: 3, mlen: 0,
			expected: []float64{
				0, 1, 1,
				0, 0, 1,
				0, 0, 0,
			},
		},
		{
			name: "CausalWithMemory",
			qlen: 3, mlen: 2,
			expected: []float64{
				0, 0, 0, 1, 1,
				0, 0, 0, 0, 1,
				0, 0, 0, 0, 0,
			},
		},
		{
			name: "SameLength",
			qlen: 3, mlen: 2,
			sameLength: true,
			expected: []float64{
				0, 0, 0, 1, 1,
				1, 0, 0, 0, 1,
				1, 1, 0, 0, 0,
			},
		},
		{
			name: "SameLengthNoMemory",
			qlen: 3, mlen: 0,
			sameLength: true,
			expected: []float64{
				0, 1, 1,
				1, 0, 1,
				1, 1, 0,
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			m := AttentionMask(tt.qlen, tt.mlen, tt.sameLength)
			got := mat.DenseCopyOf(m).RawMatrix().Data
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("mask mismatch (-want +got):\n%s", diff)
			}

			if tt.sameLength {
				for i := range tt.qlen {
					visible := 0
					for j := range tt.qlen + tt.mlen {
						if m.At(i, j) == 0 {
							visible++
						}
					}
					require.Equal(t, tt.mlen+1, visible, "row %d", i)
				}
			}
		})
	}
}

func TestApplyMaskStaysFinite(t *testing.T) {
	scores := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	mask := AttentionMask(2, 0, false)

	for _, dt := range []DType{DTypeF64, DTypeF32, DTypeBF16, DTypeF16} {
		s := mat.DenseCopyOf(scores)
		ApplyMask(s, mask, dt.MaskValue())
		Quantize(s, dt)
		Softmax(s)

		for _, v := range s.RawMatrix().Data {
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "dtype %v produced %v", dt, v)
		}
		require.InDelta(t, 1.0, s.At(0, 0), 1e-12, "dtype %v", dt)
	}
}

func TestDTypeRound(t *testing.T) {
	cases := []struct {
		dtype DType
		in    float64
		want  float64
	}{
		{DTypeF64, 1.0000001, 1.0000001},
		{DTypeF32, 0.1, float64(float32(0.1))},
		{DTypeBF16, 1.00390625, 1},
		{DTypeF16, 1.0009765625, 1.0009765625},
		{DTypeF16, 70000, math.Inf(1)},
	}

	for _, tt := range cases {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			require.Equal(t, tt.want, tt.dtype.Round(tt.in))
		})
	}

	masked := DTypeBF16.Round(MaskValue)
	require.False(t, math.IsInf(masked, 0))
	require.InEpsilon(t, MaskValue, masked, 1e-2)

	for _, s := range []string{"f64", "f32", "bf16", "f16"} {
		dt, err := ParseDType(s)
		require.NoError(t, err)
		require.Equal(t, s, dt.String())
	}

	_, err := ParseDType("q4_0")
	require.Error(t, err)
}

func TestLogSoftmax(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 1000, 1000, 1000})
	lp := LogSoftmax(x)

	for i := range 2 {
		var sum float64
		for _, v := range lp.RawRowView(i) {
			sum += math.Exp(v)
		}
		require.InDelta(t, 1, sum, 1e-12)
	}
	require.InDelta(t, -math.Log(3), lp.At(1, 0), 1e-12)
	require.True(t, floats.EqualApprox(x.RawRowView(0), []float64{1, 2, 3}, 0), "input modified")
}

func TestLayerNorm(t *testing.T) {
	x := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	LayerNorm(x, []float64{2, 2, 2, 2}, []float64{1, 1, 1, 1}, 0)

	row := x.RawRowView(0)
	require.InDelta(t, 4, floats.Sum(row), 1e-9)

	var sq float64
	for _, v := range row {
		sq += (v - 1) * (v - 1)
	}
	require.InDelta(t, 16, sq, 1e-9)
}

func TestDump(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	require.Equal(t, "[[1.0, 0.0],\n [0.0, 1.0]]", Dump(m, DumpOptions{Items: 3, Precision: 1}))

	big := mat.NewDense(8, 8, nil)
	out := Dump(big, DumpOptions{Items: 1, Precision: 0})
	require.Equal(t, "[[0, ..., 0],\n ...,\n [0, ..., 0]]", out)
}
