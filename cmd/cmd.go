package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/envconfig"
	"github.com/jmorganca/txl/logutil"
	"github.com/jmorganca/txl/model"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "txl",
		Short: "Prepare records for and evaluate segment-recurrent language models",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			verbose, _ := cmd.Flags().GetCount("verbose")
			logutil.Setup(cmd.ErrOrStderr(), logutil.Level(envconfig.Debug, verbose))
		},
	}

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-vv for trace)")
	rootCmd.PersistentFlags().String("format", "", "Output format: table or json (default table on a terminal)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewPlanCmd(),
		NewPreprocessCmd(),
		NewInspectCmd(),
		NewEvalCmd(),
		NewEnvCmd(),
		NewConfigCmd(),
	)

	return rootCmd
}

// corpusInfo reads corpus-info.json from the data directory. Missing
// cutoffs mean a single bucket over the whole vocabulary.
func corpusInfo() (*dataset.CorpusInfo, model.Cutoffs, error) {
	info, err := dataset.ReadCorpusInfo(envconfig.DataDir)
	if err != nil {
		return nil, nil, err
	}

	cutoffs := model.Cutoffs(info.Cutoffs)
	if len(cutoffs) == 0 {
		cutoffs = model.Cutoffs{0, info.VocabSize}
	}

	if err := cutoffs.Validate(info.VocabSize); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", dataset.CorpusInfoFile, err)
	}

	return info, cutoffs, nil
}

// readSplit reads the tokens of split from <data dir>/<split>.txt and
// checks them against the vocabulary.
func readSplit(split string, vocabSize int) ([]int32, error) {
	sentences, err := dataset.ReadTokenFile(filepath.Join(envconfig.DataDir, split+".txt"))
	if err != nil {
		return nil, err
	}

	data := dataset.Flatten(sentences)
	if err := dataset.CheckVocabulary(data, vocabSize); err != nil {
		return nil, fmt.Errorf("%s: %w", split, err)
	}
	return data, nil
}

func splitBatchSize(cmd *cobra.Command, split string) (int, error) {
	name := fmt.Sprintf("per-host-%s-bsz", split)
	if cmd.Flags().Lookup(name) == nil {
		return 0, fmt.Errorf("unknown split %q", split)
	}
	return cmd.Flags().GetInt(name)
}

func addSplitFlags(cmd *cobra.Command) {
	cmd.Flags().Int("per-host-train-bsz", 60, "Batch size per host for the train split")
	cmd.Flags().Int("per-host-valid-bsz", 60, "Batch size per host for the valid split")
	cmd.Flags().Int("per-host-test-bsz", 1, "Batch size per host for the test split")
	cmd.Flags().Int("tgt-len", 70, "Number of tokens per window")
}

func naming(cmd *cobra.Command, split string) (dataset.Naming, error) {
	bsz, err := splitBatchSize(cmd, split)
	if err != nil {
		return dataset.Naming{}, err
	}

	tgtLen, err := cmd.Flags().GetInt("tgt-len")
	if err != nil {
		return dataset.Naming{}, err
	}

	return dataset.NewNaming(split, bsz, tgtLen, envconfig.Cores, envconfig.Static), nil
}

// output writes v as JSON or renders it as a table.
type output struct {
	w    io.Writer
	json bool
}

func newOutput(cmd *cobra.Command) (*output, error) {
	w := cmd.OutOrStdout()

	format, _ := cmd.Flags().GetString("format")
	switch strings.ToLower(format) {
	case "json":
		return &output{w: w, json: true}, nil
	case "table":
		return &output{w: w}, nil
	case "":
		f, ok := w.(*os.File)
		return &output{w: w, json: !ok || !term.IsTerminal(int(f.Fd()))}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func (o *output) encode(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *output) table(header []string, rows [][]string) {
	table := tablewriter.NewWriter(o.w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func formatInts(v []int) string {
	s := make([]string, len(v))
	for i, x := range v {
		s[i] = fmt.Sprint(x)
	}
	return strings.Join(s, ",")
}
