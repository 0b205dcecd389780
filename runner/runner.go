// Package runner evaluates a model over prepared record files. Batches are
// dealt round-robin to cores; every core owns its segment memory and
// consumes its batches strictly in order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/kvcache"
	"github.com/jmorganca/txl/logutil"
	"github.com/jmorganca/txl/model"
	"github.com/jmorganca/txl/model/input"
)

var ErrNoBatches = errors.New("no batches")

// Model is a model that can allocate segment memory.
type Model interface {
	model.Predictor
	NewMemory() *kvcache.Memory
}

type Runner struct {
	Model  Model
	Reader *dataset.Reader

	Cores        int
	PerCoreBatch int

	// MaxBatches stops each file after this many per-core batches. Zero
	// reads every batch.
	MaxBatches int

	// TopK, when positive, also counts the labels found among the k most
	// likely tokens.
	TopK int
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Files    int
	Batches  int
	Loss     model.Loss
	Duration time.Duration

	// PerCore holds the loss accumulated by every core.
	PerCore []model.Loss

	// Hits is the number of labels among the TopK predictions out of
	// Predicted labels.
	Hits      int
	Predicted int
}

func (r *Report) Mean() float64         { return r.Loss.Mean() }
func (r *Report) Perplexity() float64   { return r.Loss.Perplexity() }
func (r *Report) BitsPerToken() float64 { return r.Loss.BitsPerToken() }

// Accuracy returns the top-k accuracy, or 0 when nothing was predicted.
func (r *Report) Accuracy() float64 {
	if r.Predicted == 0 {
		return 0
	}
	return float64(r.Hits) / float64(r.Predicted)
}

// coreStats accumulates the results of one core.
type coreStats struct {
	loss      model.Loss
	hits      int
	predicted int
}

// Run evaluates every file of the reader's manifest in order. Memory is
// reset at the start of every file.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.Cores < 1 || r.PerCoreBatch < 1 {
		return nil, fmt.Errorf("%w: %d cores with %d rows each", dataset.ErrConfig, r.Cores, r.PerCoreBatch)
	}

	start := time.Now()
	report := &Report{
		RunID:   r.Reader.Manifest.RunID,
		PerCore: make([]model.Loss, r.Cores),
	}

	stats := make([]coreStats, r.Cores)
	for _, file := range r.Reader.Manifest.Filenames {
		n, err := r.runFile(ctx, file, stats)
		if err != nil {
			return nil, err
		}

		slog.Info("evaluated file", "file", file, "batches", n)
		report.Files++
		report.Batches += n
	}

	if report.Batches == 0 {
		return nil, ErrNoBatches
	}

	for core, s := range stats {
		report.PerCore[core] = s.loss
		report.Loss = report.Loss.Add(s.loss)
		report.Hits += s.hits
		report.Predicted += s.predicted
	}
	report.Duration = time.Since(start)
	return report, nil
}

func (r *Runner) runFile(ctx context.Context, file string, stats []coreStats) (int, error) {
	g, ctx := errgroup.WithContext(ctx)

	queues := make([]chan *input.Batch, r.Cores)
	for core := range queues {
		queues[core] = make(chan *input.Batch, 1)

		g.Go(func() error {
			cache := r.Model.NewMemory()
			var step int
			for b := range queues[core] {
				loss, err := r.step(b, cache, &stats[core])
				if err != nil {
					return fmt.Errorf("%s: core %d step %d: %w", file, core, step, err)
				}

				stats[core].loss = stats[core].loss.Add(loss)
				logutil.Trace("step", "file", file, "core", core, "step", step, "loss", loss.Mean(), "memory", cache.State())
				step++
			}
			return nil
		})
	}

	var n int
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		for b, err := range r.Reader.Batches(ctx, file, r.PerCoreBatch) {
			if err != nil {
				return err
			}

			if r.MaxBatches > 0 && n >= r.MaxBatches {
				return nil
			}

			select {
			case queues[n%r.Cores] <- b:
				n++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, nil
}

// step runs one batch, scoring the top-k predictions when requested.
func (r *Runner) step(b *input.Batch, cache kvcache.Cache, s *coreStats) (model.Loss, error) {
	if r.TopK < 1 {
		out, err := r.Model.Forward(b, cache)
		return out.Loss, err
	}

	p, err := r.Model.Predict(b, cache)
	if err != nil {
		return model.Loss{}, err
	}

	for row, labels := range b.Labels {
		for pos, label := range labels {
			if slices.Contains(p.TopK(row, pos, r.TopK), label) {
				s.hits++
			}
			s.predicted++
		}
	}

	return p.Loss, nil
}
