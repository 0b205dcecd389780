package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/envconfig"
)

func NewPreprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preprocess [SPLIT...]",
		Short: "Write record files and manifests for corpus splits",
		Long: `Write record files and manifests for corpus splits (default train, valid and test).

Tokens are read from <data dir>/<split>.txt, one sentence of token ids per
line. If <data dir>/train/ holds *.txt files, every file is a training shard
written TXL_NUM_SHUFFLE times in shuffled sentence order.`,
		RunE: preprocessHandler,
	}

	addSplitFlags(cmd)
	return cmd
}

type splitSummary struct {
	Split    string           `json:"split"`
	Manifest string           `json:"manifest"`
	Info     dataset.Manifest `json:"info"`
}

func preprocessHandler(cmd *cobra.Command, args []string) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}

	splits := args
	if len(splits) == 0 {
		splits = []string{"train", "valid", "test"}
	}

	info, cutoffs, err := corpusInfo()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(envconfig.RecordDir, 0o755); err != nil {
		return err
	}

	var summaries []splitSummary
	for _, split := range splits {
		n, err := naming(cmd, split)
		if err != nil {
			return err
		}

		opts := dataset.SplitOptions{
			Dir:       envconfig.RecordDir,
			Naming:    n,
			Cutoffs:   cutoffs,
			StdMult:   envconfig.StdMult,
			NumPasses: envconfig.NumPasses,
			Seed:      envconfig.Seed,
		}

		m, err := writeSplit(cmd, split, info.VocabSize, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", split, err)
		}

		summaries = append(summaries, splitSummary{Split: split, Manifest: n.ManifestFile(), Info: *m})
	}

	if out.json {
		return out.encode(summaries)
	}

	var rows [][]string
	for _, s := range summaries {
		rows = append(rows, []string{s.Split, s.Manifest, fmt.Sprint(len(s.Info.Filenames)), fmt.Sprint(s.Info.NumBatch), formatInts(s.Info.BinSizes)})
	}
	out.table([]string{"SPLIT", "MANIFEST", "FILES", "BATCHES", "BIN SIZES"}, rows)
	return nil
}

func writeSplit(cmd *cobra.Command, split string, vocabSize int, opts dataset.SplitOptions) (*dataset.Manifest, error) {
	if split == "train" {
		shards, err := filepath.Glob(filepath.Join(envconfig.DataDir, "train", "*.txt"))
		if err != nil {
			return nil, err
		}

		if len(shards) > 0 {
			slices.Sort(shards)
			return writeShards(cmd, shards, vocabSize, opts)
		}
	}

	data, err := readSplit(split, vocabSize)
	if err != nil {
		return nil, err
	}

	return dataset.WriteSplit(cmd.Context(), data, opts)
}

func writeShards(cmd *cobra.Command, paths []string, vocabSize int, opts dataset.SplitOptions) (*dataset.Manifest, error) {
	shards := make([][][]int32, len(paths))
	for i, path := range paths {
		sentences, err := dataset.ReadTokenFile(path)
		if err != nil {
			return nil, err
		}

		if err := dataset.CheckVocabulary(dataset.Flatten(sentences), vocabSize); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		shards[i] = sentences
		slog.Debug("read shard", "path", path, "sentences", len(sentences))
	}

	return dataset.WriteShards(cmd.Context(), shards, dataset.ShardOptions{
		SplitOptions: opts,
		NumShuffle:   envconfig.NumShuffle,
		NumProcs:     envconfig.NumProcs,
	})
}
