package cmd

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/envconfig"
	"github.com/jmorganca/txl/model/models/transformerxl"
	"github.com/jmorganca/txl/runner"
)

func NewEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval SPLIT",
		Short: "Run the model over a split and report loss and perplexity",
		Long: `Run the model over a split and report loss and perplexity.

Model options come from the [model] table of the configuration file. The
vocabulary size and cutoffs default to those of corpus-info.json.`,
		Args: cobra.ExactArgs(1),
		RunE: evalHandler,
	}

	addSplitFlags(cmd)
	cmd.Flags().Int("max-batches", 0, "Stop every file after this many per-core batches (0 for all)")
	cmd.Flags().Int("top-k", 0, "Also report how often the label is among the k most likely tokens")
	return cmd
}

type evalReport struct {
	RunID        string  `json:"run_id,omitempty"`
	Files        int     `json:"files"`
	Batches      int     `json:"batches"`
	Tokens       float64 `json:"tokens"`
	Loss         float64 `json:"loss"`
	Perplexity   float64 `json:"perplexity"`
	BitsPerToken float64 `json:"bits_per_token"`
	TopK         int     `json:"top_k,omitempty"`
	Accuracy     float64 `json:"top_k_accuracy,omitempty"`
	Seconds      float64 `json:"seconds"`
}

func evalHandler(cmd *cobra.Command, args []string) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}

	n, err := naming(cmd, args[0])
	if err != nil {
		return err
	}

	info, cutoffs, err := corpusInfo()
	if err != nil {
		return err
	}

	opts, err := transformerxl.DecodeOptions(envconfig.ModelOptions())
	if err != nil {
		return err
	}

	if opts.NumTokens == 0 {
		opts.NumTokens = info.VocabSize
	}
	if len(opts.Cutoffs) == 0 {
		opts.Cutoffs = cutoffs
	}
	opts.Static = n.Static

	m, err := transformerxl.New(opts, rand.New(rand.NewSource(envconfig.Seed)))
	if err != nil {
		return err
	}

	r, err := dataset.Open(envconfig.RecordDir, n)
	if err != nil {
		return err
	}

	if n.BatchSize%envconfig.Cores != 0 {
		return fmt.Errorf("%w: batch size %d is not divisible across %d cores", dataset.ErrConfig, n.BatchSize, envconfig.Cores)
	}
	perCore := n.BatchSize / envconfig.Cores

	if err := r.ForHost(envconfig.NumHosts, envconfig.HostID, perCore); err != nil {
		return err
	}

	maxBatches, err := cmd.Flags().GetInt("max-batches")
	if err != nil {
		return err
	}

	topK, err := cmd.Flags().GetInt("top-k")
	if err != nil {
		return err
	}

	slog.Info("evaluating", "split", n.Split, "files", len(r.Manifest.Filenames), "cores", envconfig.Cores, "static", n.Static, "layers", opts.NumLayers, "mem_len", opts.MemLen)

	run := &runner.Runner{
		Model:        m,
		Reader:       r,
		Cores:        envconfig.Cores,
		PerCoreBatch: perCore,
		MaxBatches:   maxBatches,
		TopK:         topK,
	}

	result, err := run.Run(cmd.Context())
	if err != nil {
		return err
	}

	report := evalReport{
		RunID:        result.RunID,
		Files:        result.Files,
		Batches:      result.Batches,
		Tokens:       result.Loss.Count,
		Loss:         result.Mean(),
		Perplexity:   result.Perplexity(),
		BitsPerToken: result.BitsPerToken(),
		TopK:         topK,
		Accuracy:     result.Accuracy(),
		Seconds:      result.Duration.Seconds(),
	}

	if out.json {
		return out.encode(report)
	}

	header := []string{"SPLIT", "BATCHES", "TOKENS", "LOSS", "PPL", "BPT"}
	row := []string{
		n.Split,
		fmt.Sprint(report.Batches),
		fmt.Sprintf("%.0f", report.Tokens),
		fmt.Sprintf("%.4f", report.Loss),
		fmt.Sprintf("%.2f", report.Perplexity),
		fmt.Sprintf("%.4f", report.BitsPerToken),
	}
	if topK > 0 {
		header = append(header, fmt.Sprintf("TOP-%d", topK))
		row = append(row, fmt.Sprintf("%.2f%%", 100*report.Accuracy))
	}

	out.table(header, [][]string{row})
	return nil
}
