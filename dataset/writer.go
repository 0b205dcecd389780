package dataset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/txl/encoding/tfrecord"
	"github.com/jmorganca/txl/logutil"
	"github.com/jmorganca/txl/model"
)

// SplitOptions configures the records written for one split.
type SplitOptions struct {
	Dir    string
	Naming Naming

	Cutoffs model.Cutoffs

	// BinSizes are planned from the data when nil.
	BinSizes BinSizes
	StdMult  []float64

	// NumPasses only applies to static training records.
	NumPasses int
	Seed      int64
}

func (o *SplitOptions) passes() int {
	if o.Naming.Static && o.Naming.Split == "train" {
		return max(o.NumPasses, 1)
	}
	return 1
}

// validate checks the shapes and bucket configuration before anything is
// written.
func (o *SplitOptions) validate() error {
	n := o.Naming
	if n.BatchSize < 1 || n.WindowLen < 1 {
		return fmt.Errorf("%w: batch size %d and window length %d must be positive", ErrConfig, n.BatchSize, n.WindowLen)
	}

	if n.Cores < 1 || n.BatchSize%n.Cores != 0 {
		return fmt.Errorf("%w: batch size %d is not divisible across %d cores", ErrConfig, n.BatchSize, n.Cores)
	}

	if err := o.Cutoffs.Validate(0); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if o.BinSizes != nil {
		if len(o.Cutoffs)-len(o.BinSizes) != 2 {
			return fmt.Errorf("%w: %d bin sizes for cutoffs %v", ErrConfig, len(o.BinSizes), []int(o.Cutoffs))
		}

		for b, bin := range o.BinSizes {
			if bin < 1 {
				return fmt.Errorf("%w: bin size %d of bucket %d", ErrConfig, bin, b+1)
			}
		}
	}

	return nil
}

func (o *SplitOptions) plan(data []int32) (BinSizes, error) {
	if o.BinSizes != nil {
		return o.BinSizes, nil
	}

	return Plan(data, o.Naming.BatchSize/o.Naming.Cores, o.Naming.WindowLen, o.Cutoffs, o.StdMult)
}

// WriteSplit writes data as a single record file and its manifest.
func WriteSplit(ctx context.Context, data []int32, opts SplitOptions) (*Manifest, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	bins, err := opts.plan(data)
	if err != nil {
		return nil, err
	}

	enc, err := opts.encoder(bins)
	if err != nil {
		return nil, err
	}

	name := opts.Naming.RecordFile(opts.Naming.Split)
	rng := rand.New(rand.NewSource(opts.Seed))
	n, err := writeRecords(ctx, filepath.Join(opts.Dir, name), data, opts.Naming, enc, opts.passes(), rng)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Filenames: []string{name},
		BinSizes:  bins,
		NumBatch:  n,
		RunID:     uuid.NewString(),
	}

	if err := WriteManifest(opts.Dir, opts.Naming, m); err != nil {
		return nil, err
	}

	slog.Info("wrote split", "split", opts.Naming.Split, "file", name, "batches", n, "bin_sizes", []int(bins))
	return m, nil
}

// encoder returns nil for dynamic records.
func (o *SplitOptions) encoder(bins BinSizes) (*Encoder, error) {
	if !o.Naming.Static {
		return nil, nil
	}
	return NewEncoder(o.Cutoffs, bins, o.Naming.BatchSize, o.Naming.Cores)
}

// ShardOptions configures sharded training records. Every shard is
// written NumShuffle times, each with a fresh sentence order.
type ShardOptions struct {
	SplitOptions

	NumShuffle int

	// NumProcs bounds the number of shards encoded concurrently.
	NumProcs int
}

// WriteShards writes the training split from independently shuffled
// shards. Bin sizes are planned once over all shards so every file shares
// the same shapes.
func WriteShards(ctx context.Context, shards [][][]int32, opts ShardOptions) (*Manifest, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards", ErrNotEnoughData)
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	bins := opts.BinSizes
	if bins == nil {
		var all []int32
		for _, shard := range shards {
			all = append(all, Flatten(shard)...)
		}

		var err error
		if bins, err = opts.plan(all); err != nil {
			return nil, err
		}
	}

	enc, err := opts.encoder(bins)
	if err != nil {
		return nil, err
	}

	numShuffle := max(opts.NumShuffle, 1)
	names := make([][]string, len(shards))
	counts := make([][]int, len(shards))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.NumProcs, 1))
	for i, shard := range shards {
		names[i] = make([]string, numShuffle)
		counts[i] = make([]int, numShuffle)

		g.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
			sentences := slices.Clone(shard)
			for j := range numShuffle {
				rng.Shuffle(len(sentences), func(a, b int) {
					sentences[a], sentences[b] = sentences[b], sentences[a]
				})

				name := opts.Naming.RecordFile(fmt.Sprintf("train-%03d-%02d", i, j))
				slog.Info("processing shard", "shard", i, "shuffle", j)

				n, err := writeRecords(ctx, filepath.Join(opts.Dir, name), Flatten(sentences), opts.Naming, enc, opts.passes(), rng)
				if err != nil {
					return fmt.Errorf("shard %d shuffle %d: %w", i, j, err)
				}

				names[i][j], counts[i][j] = name, n
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Manifest{BinSizes: bins, RunID: uuid.NewString()}
	for i := range shards {
		m.Filenames = append(m.Filenames, names[i]...)
		for _, n := range counts[i] {
			m.NumBatch += n
		}
	}

	if err := WriteManifest(opts.Dir, opts.Naming, m); err != nil {
		return nil, err
	}

	slog.Info("wrote shards", "files", len(m.Filenames), "batches", m.NumBatch, "bin_sizes", []int(bins))
	return m, nil
}

// writeRecords writes the windows of data window-major, row-minor and
// returns the number of windows written. enc is nil for dynamic records.
// A file that fails midway is removed.
func writeRecords(ctx context.Context, path string, data []int32, n Naming, enc *Encoder, passes int, rng *rand.Rand) (int, error) {
	grid := Batchify(data, n.BatchSize, passes, rng)
	if len(grid) == 0 || len(grid[0]) < 2 {
		return 0, fmt.Errorf("%w: %d tokens for batch size %d", ErrNotEnoughData, len(data), n.BatchSize)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	count, err := encodeRecords(ctx, f, filepath.Base(path), grid, n, enc)
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}

	return count, nil
}

func encodeRecords(ctx context.Context, out io.Writer, name string, grid [][]int32, n Naming, enc *Encoder) (int, error) {
	bw := bufio.NewWriter(out)
	w := tfrecord.NewWriter(bw)

	var count int
	for s := range Windows(grid, n.WindowLen, n.Static) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if s.Index%500 == 0 {
			logutil.Trace("processing batch", "file", name, "batch", s.Index)
		}

		var state *SlotState
		for row := range s.Inputs {
			var features *Features
			if enc != nil {
				state = enc.State(state, row)
				ft := enc.Encode(state, s.Inputs[row], s.Labels[row])
				features = &ft
			}

			if err := w.Write(NewExample(s.Inputs[row], s.Labels[row], features).Marshal()); err != nil {
				return 0, err
			}
		}
		count++
	}

	if err := bw.Flush(); err != nil {
		return 0, err
	}

	return count, nil
}
