package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Naming derives file names from the split, per-host batch size, window
// length and, for static records, cores per host.
type Naming struct {
	Split     string
	BatchSize int
	WindowLen int
	Cores     int
	Static    bool
}

// NewNaming returns the naming of split. The test split on a single core
// is never written in static form.
func NewNaming(split string, batchSize, windowLen, cores int, static bool) Naming {
	return Naming{
		Split:     split,
		BatchSize: batchSize,
		WindowLen: windowLen,
		Cores:     cores,
		Static:    static && !(split == "test" && cores == 1),
	}
}

func (n Naming) suffix() string {
	s := fmt.Sprintf("bsz-%d.tlen-%d", n.BatchSize, n.WindowLen)
	if n.Static {
		s += fmt.Sprintf(".core-%d", n.Cores)
	}
	return s
}

// RecordFile returns the name of the record file written for base.
func (n Naming) RecordFile(base string) string {
	return fmt.Sprintf("%s.%s.tfrecords", base, n.suffix())
}

func (n Naming) ManifestFile() string {
	return fmt.Sprintf("record_info-%s.%s.json", n.Split, n.suffix())
}

// Manifest lists the record files of a split with the bin sizes they were
// encoded with.
type Manifest struct {
	Filenames []string `json:"filenames"`
	BinSizes  BinSizes `json:"bin_sizes"`
	NumBatch  int      `json:"num_batch"`
	RunID     string   `json:"run_id,omitempty"`
}

func WriteManifest(dir string, n Naming, m *Manifest) error {
	if m.BinSizes == nil {
		m.BinSizes = BinSizes{}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, n.ManifestFile()), b, 0o644)
}

func ReadManifest(dir string, n Naming) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, n.ManifestFile()))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", n.ManifestFile(), err)
	}

	for _, bin := range m.BinSizes {
		if bin < 1 {
			return nil, fmt.Errorf("%w: %s has bin size %d", ErrConfig, n.ManifestFile(), bin)
		}
	}

	return &m, nil
}

const CorpusInfoFile = "corpus-info.json"

// CorpusInfo describes the vocabulary a corpus was encoded with.
type CorpusInfo struct {
	VocabSize int    `json:"vocab_size"`
	Cutoffs   []int  `json:"cutoffs"`
	Dataset   string `json:"dataset"`
}

func WriteCorpusInfo(dir string, info CorpusInfo) error {
	if info.Cutoffs == nil {
		info.Cutoffs = []int{}
	}

	b, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, CorpusInfoFile), b, 0o644)
}

func ReadCorpusInfo(dir string) (*CorpusInfo, error) {
	b, err := os.ReadFile(filepath.Join(dir, CorpusInfoFile))
	if err != nil {
		return nil, err
	}

	var info CorpusInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("%s: %w", CorpusInfoFile, err)
	}
	return &info, nil
}
