package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/envconfig"
)

func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan SPLIT",
		Short: "Show bucket occurrence statistics and planned bin sizes",
		Args:  cobra.ExactArgs(1),
		RunE:  planHandler,
	}

	addSplitFlags(cmd)
	return cmd
}

func planHandler(cmd *cobra.Command, args []string) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}

	split := args[0]
	n, err := naming(cmd, split)
	if err != nil {
		return err
	}

	info, cutoffs, err := corpusInfo()
	if err != nil {
		return err
	}

	data, err := readSplit(split, info.VocabSize)
	if err != nil {
		return err
	}

	if n.BatchSize%envconfig.Cores != 0 {
		return fmt.Errorf("%w: batch size %d is not divisible across %d cores", dataset.ErrConfig, n.BatchSize, envconfig.Cores)
	}

	stats, err := dataset.Stats(data, n.BatchSize/envconfig.Cores, n.WindowLen, cutoffs, envconfig.StdMult)
	if err != nil {
		return err
	}

	if out.json {
		return out.encode(stats)
	}

	var rows [][]string
	for i, s := range stats {
		bin := "-"
		if i > 0 {
			bin = fmt.Sprint(s.BinSize)
		}

		rows = append(rows, []string{
			fmt.Sprint(i),
			fmt.Sprintf("[%d, %d)", s.Left, s.Right),
			fmt.Sprintf("%.4f", s.Mean),
			fmt.Sprintf("%.4f", s.Std),
			fmt.Sprintf("%.1f", s.Expected),
			bin,
		})
	}

	out.table([]string{"BUCKET", "TOKENS", "MEAN", "STD", "EXPECTED", "BIN SIZE"}, rows)
	return nil
}
