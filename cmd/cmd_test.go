package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/envconfig"
)

func writeTokens(t *testing.T, path string, lines, perLine int, rng *rand.Rand) {
	t.Helper()

	var sb strings.Builder
	for range lines {
		for j := range perLine {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprint(&sb, min(rng.Intn(50), rng.Intn(50)))
		}
		sb.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

func setupCorpus(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, dataset.WriteCorpusInfo(dir, dataset.CorpusInfo{VocabSize: 50, Cutoffs: []int{0, 10, 50}, Dataset: "synthetic"}))

	rng := rand.New(rand.NewSource(1))
	writeTokens(t, filepath.Join(dir, "train.txt"), 60, 20, rng)
	writeTokens(t, filepath.Join(dir, "valid.txt"), 20, 20, rng)
	writeTokens(t, filepath.Join(dir, "test.txt"), 20, 20, rng)

	config := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(config, []byte(`
[model]
n_layer = 1
d_model = 8
d_embed = 8
n_head = 2
d_head = 4
d_inner = 16
mem_len = 5
div_val = 2
init_std = 0.1
proj_init_std = 0.1
`), 0o644))

	t.Setenv("TXL_CONFIG", config)
	t.Setenv("TXL_DATA_DIR", dir)
	t.Setenv("TXL_RECORD_DIR", "")
	t.Setenv("TXL_CORES", "2")
	t.Setenv("TXL_STATIC", "true")
	t.Setenv("TXL_NUM_PASSES", "2")
	t.Setenv("TXL_NUM_SHUFFLE", "2")
	t.Setenv("TXL_NUM_HOSTS", "")
	t.Setenv("TXL_HOST_ID", "")
	t.Setenv("TXL_STD_MULT", "")
	envconfig.ReloadConfig()

	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		envconfig.ReloadConfig()
	})

	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewCLI()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

var batchFlags = []string{"--per-host-train-bsz", "4", "--per-host-valid-bsz", "4", "--per-host-test-bsz", "4", "--tgt-len", "10"}

func TestPreprocessInspectEval(t *testing.T) {
	dir := setupCorpus(t)

	out, err := run(t, append([]string{"preprocess", "--format", "json"}, batchFlags...)...)
	require.NoError(t, err)

	var summaries []splitSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 3)
	assert.Equal(t, "record_info-train.bsz-4.tlen-10.core-2.json", summaries[0].Manifest)
	assert.Equal(t, []string{"train.bsz-4.tlen-10.core-2.tfrecords"}, summaries[0].Info.Filenames)

	// two passes over 1200 training tokens, 400 tokens elsewhere
	assert.Equal(t, 59, summaries[0].Info.NumBatch)
	assert.Equal(t, 9, summaries[1].Info.NumBatch)
	for _, s := range summaries {
		require.Len(t, s.Info.BinSizes, 1)
		assert.Zero(t, s.Info.BinSizes[0]%8)
		assert.FileExists(t, filepath.Join(dir, "tfrecords", s.Manifest))
	}

	out, err = run(t, append([]string{"inspect", "valid", "--format", "json"}, batchFlags...)...)
	require.NoError(t, err)

	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 36, report.Records)
	assert.True(t, report.Static)
	require.Len(t, report.Buckets, 1)
	assert.Greater(t, report.Buckets[0].Routed, 0)
	assert.GreaterOrEqual(t, report.Buckets[0].Dropped, 0)

	var records int
	for _, n := range report.Buckets[0].Histogram {
		records += n
	}
	assert.Equal(t, 36, records)

	out, err = run(t, append([]string{"eval", "valid", "--format", "json"}, batchFlags...)...)
	require.NoError(t, err)

	var eval evalReport
	require.NoError(t, json.Unmarshal([]byte(out), &eval))
	assert.Equal(t, 18, eval.Batches)
	assert.Equal(t, summaries[1].Info.RunID, eval.RunID)
	assert.Greater(t, eval.Tokens, 0.0)
	assert.Greater(t, eval.Perplexity, 1.0)
	assert.Zero(t, eval.TopK)

	out, err = run(t, append([]string{"eval", "valid", "--format", "json", "--top-k", "50"}, batchFlags...)...)
	require.NoError(t, err)

	var ranked evalReport
	require.NoError(t, json.Unmarshal([]byte(out), &ranked))
	assert.Equal(t, 50, ranked.TopK)
	assert.InDelta(t, 1, ranked.Accuracy, 1e-12)
	assert.InDelta(t, eval.Loss, ranked.Loss, 1e-9)

	out, err = run(t, append([]string{"eval", "valid", "--format", "table", "--top-k", "5"}, batchFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "TOP-5")

	out, err = run(t, append([]string{"inspect", "valid", "--format", "table"}, batchFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "DROPPED")
}

func TestPreprocessShards(t *testing.T) {
	dir := setupCorpus(t)

	shards := filepath.Join(dir, "train")
	require.NoError(t, os.Mkdir(shards, 0o755))
	rng := rand.New(rand.NewSource(2))
	writeTokens(t, filepath.Join(shards, "b.txt"), 30, 20, rng)
	writeTokens(t, filepath.Join(shards, "a.txt"), 30, 20, rng)

	out, err := run(t, append([]string{"preprocess", "train", "--format", "json"}, batchFlags...)...)
	require.NoError(t, err)

	var summaries []splitSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, []string{
		"train-000-00.bsz-4.tlen-10.core-2.tfrecords",
		"train-000-01.bsz-4.tlen-10.core-2.tfrecords",
		"train-001-00.bsz-4.tlen-10.core-2.tfrecords",
		"train-001-01.bsz-4.tlen-10.core-2.tfrecords",
	}, summaries[0].Info.Filenames)
}

func TestPlan(t *testing.T) {
	setupCorpus(t)

	out, err := run(t, append([]string{"plan", "valid", "--format", "table"}, batchFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "BIN SIZE")
	assert.Contains(t, out, "[10, 50)")

	out, err = run(t, append([]string{"plan", "valid", "--format", "json"}, batchFlags...)...)
	require.NoError(t, err)

	var stats []dataset.BucketStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 2)
	assert.InDelta(t, 20, stats[0].Expected+stats[1].Expected, 1e-9)
}

func TestErrors(t *testing.T) {
	dir := setupCorpus(t)

	_, err := run(t, "plan", "holdout")
	assert.ErrorContains(t, err, "unknown split")

	_, err = run(t, "preprocess", "--format", "yaml", "valid")
	assert.Error(t, err)

	_, err = run(t, append([]string{"eval", "test"}, batchFlags...)...)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "valid.txt"), []byte("1 2 77\n"), 0o644))
	_, err = run(t, append([]string{"preprocess", "valid"}, batchFlags...)...)
	assert.ErrorIs(t, err, dataset.ErrConfig)

	entries, err := os.ReadDir(filepath.Join(dir, "tfrecords"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnv(t *testing.T) {
	setupCorpus(t)

	out, err := run(t, "env", "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "TXL_CORES")
	assert.Less(t, strings.Index(out, "TXL_CONFIG"), strings.Index(out, "TXL_STATIC"))

	out, err = run(t, "env", "--format", "json")
	require.NoError(t, err)

	var values map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &values))
	assert.Equal(t, "2", values["TXL_CORES"])

	out, err = run(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "[model]")
}
