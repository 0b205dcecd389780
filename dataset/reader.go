package dataset

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/jmorganca/txl/encoding/tfrecord"
	"github.com/jmorganca/txl/model/input"
)

// Reader reads the records of one split through its manifest.
type Reader struct {
	Dir      string
	Naming   Naming
	Manifest *Manifest

	skip, take int
}

func Open(dir string, n Naming) (*Reader, error) {
	m, err := ReadManifest(dir, n)
	if err != nil {
		return nil, err
	}

	return &Reader{Dir: dir, Naming: n, Manifest: m, take: -1}, nil
}

// ForHost restricts a single-file training split to the records of host
// hostID. Other splits are read whole by every host.
func (r *Reader) ForHost(numHosts, hostID, perCoreBatch int) error {
	if r.Naming.Split != "train" || len(r.Manifest.Filenames) != 1 || numHosts <= 1 {
		return nil
	}

	skip, take, err := HostSlice(r.Manifest.NumBatch, numHosts, hostID, r.Naming.Cores, perCoreBatch)
	if err != nil {
		return err
	}

	r.skip, r.take = skip, take
	r.Manifest.NumBatch /= numHosts
	return nil
}

// Records yields the records of file in order.
func (r *Reader) Records(ctx context.Context, file string) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		f, err := os.Open(filepath.Join(r.Dir, file))
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()

		var n, taken int
		for b, err := range tfrecord.NewReader(f).All() {
			if err != nil {
				yield(nil, fmt.Errorf("%s: %w", file, err))
				return
			}

			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			n++
			if n <= r.skip {
				continue
			}

			if r.take >= 0 && taken >= r.take {
				return
			}
			taken++

			e, err := tfrecord.Unmarshal(b)
			if err != nil {
				yield(nil, fmt.Errorf("%s: record %d: %w", file, n-1, err))
				return
			}

			rec, err := ParseRecord(e, r.Manifest.BinSizes, r.Naming.WindowLen, r.Naming.Static)
			if err != nil {
				yield(nil, fmt.Errorf("%s: record %d: %w", file, n-1, err))
				return
			}

			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Batches groups the records of file into batches of rows records. A
// trailing short batch is dropped.
func (r *Reader) Batches(ctx context.Context, file string, rows int) iter.Seq2[*input.Batch, error] {
	return func(yield func(*input.Batch, error) bool) {
		if rows < 1 {
			yield(nil, fmt.Errorf("%w: batch of %d rows", ErrConfig, rows))
			return
		}

		records := make([]*Record, 0, rows)
		for rec, err := range r.Records(ctx, file) {
			if err != nil {
				yield(nil, err)
				return
			}

			records = append(records, rec)
			if len(records) < rows {
				continue
			}

			b, err := NewBatch(records)
			if err != nil {
				err = fmt.Errorf("%s: %w", file, err)
			}

			if !yield(b, err) || err != nil {
				return
			}
			records = make([]*Record, 0, rows)
		}
	}
}
