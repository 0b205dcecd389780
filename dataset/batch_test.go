package dataset

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) []int32 {
	data := make([]int32, n)
	for i := range data {
		data[i] = int32(i)
	}
	return data
}

func TestBatchify(t *testing.T) {
	grid := Batchify(sequence(10), 3, 1, nil)
	want := [][]int32{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}
	if diff := cmp.Diff(want, grid); diff != "" {
		t.Errorf("grid mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchifyPasses(t *testing.T) {
	data := sequence(10)
	grid := Batchify(data, 2, 3, rand.New(rand.NewSource(1)))
	require.Len(t, grid, 2)
	require.Len(t, grid[0], 15)

	flat := slices.Concat(grid...)
	for pass := range 3 {
		rotation := flat[pass*10 : (pass+1)*10]
		start := int(rotation[0])
		for i, tok := range rotation {
			assert.Equal(t, data[(start+i)%10], tok, "pass %d is not a cyclic rotation", pass)
		}
	}
}

func TestWindows(t *testing.T) {
	grid := [][]int32{sequence(11), sequence(11)}

	var segments []Segment
	for s := range Windows(grid, 4, false) {
		segments = append(segments, s)
	}

	require.Len(t, segments, 3)
	assert.Equal(t, []int32{0, 1, 2, 3}, segments[0].Inputs[1])
	assert.Equal(t, []int32{1, 2, 3, 4}, segments[0].Labels[1])
	assert.Equal(t, 8, segments[2].Start)
	assert.Equal(t, []int32{8, 9}, segments[2].Inputs[0])
	assert.Equal(t, []int32{9, 10}, segments[2].Labels[0])

	var fixed int
	for s := range Windows(grid, 4, true) {
		assert.Len(t, s.Inputs[0], 4)
		fixed++
	}
	assert.Equal(t, 2, fixed)
}

func TestInvalidSizes(t *testing.T) {
	cases := []struct {
		name      string
		batchSize int
		windowLen int
	}{
		{"ZeroWindow", 2, 0},
		{"NegativeWindow", 2, -3},
		{"ZeroBatch", 0, 4},
		{"NegativeBatch", -1, 4},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			grid := Batchify(sequence(100), tt.batchSize, 1, nil)
			if tt.batchSize < 1 {
				assert.Empty(t, grid)
			}

			var n int
			for range Windows(grid, tt.windowLen, false) {
				n++
				if n > 100 {
					t.Fatal("window iteration does not terminate")
				}
			}
			if tt.windowLen < 1 {
				assert.Zero(t, n)
			}
			assert.Equal(t, n, NumWindows(len(slices.Concat(grid...))/max(len(grid), 1), tt.windowLen, false))
		})
	}
}

func TestNumWindows(t *testing.T) {
	for _, steps := range []int{0, 1, 2, 5, 10, 11, 21, 250} {
		for _, fixed := range []bool{false, true} {
			grid := [][]int32{sequence(steps)}

			var n int
			for range Windows(grid, 5, fixed) {
				n++
			}
			assert.Equal(t, n, NumWindows(steps, 5, fixed), "steps %d fixed %v", steps, fixed)
		}
	}
}

func TestHostSlice(t *testing.T) {
	skip, take, err := HostSlice(10, 3, 1, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 24, skip)
	assert.Equal(t, 24, take)

	skip, _, err = HostSlice(10, 3, 2, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 48, skip)

	_, _, err = HostSlice(10, 3, 3, 2, 4)
	assert.ErrorIs(t, err, ErrConfig)
}
