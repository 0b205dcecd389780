package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via TXL_DEBUG in the environment
	Debug bool
	// Set via TXL_DATA_DIR in the environment
	DataDir string
	// Set via TXL_RECORD_DIR in the environment
	RecordDir string
	// Set via TXL_CORES in the environment
	Cores int
	// Set via TXL_NUM_HOSTS in the environment
	NumHosts int
	// Set via TXL_HOST_ID in the environment
	HostID int
	// Set via TXL_NUM_PROCS in the environment
	NumProcs int
	// Set via TXL_STATIC in the environment
	Static bool
	// Set via TXL_NUM_PASSES in the environment
	NumPasses int
	// Set via TXL_NUM_SHUFFLE in the environment
	NumShuffle int
	// Set via TXL_STD_MULT in the environment
	StdMult []float64
	// Set via TXL_SEED in the environment
	Seed int64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TXL_CONFIG":      {"TXL_CONFIG", configPath, "Path to a TOML configuration file"},
		"TXL_CORES":       {"TXL_CORES", Cores, "Accelerator cores per host (default 1)"},
		"TXL_DATA_DIR":    {"TXL_DATA_DIR", DataDir, "Directory holding the tokenized corpus and corpus-info.json"},
		"TXL_DEBUG":       {"TXL_DEBUG", Debug, "Show additional debug information (e.g. TXL_DEBUG=1)"},
		"TXL_HOST_ID":     {"TXL_HOST_ID", HostID, "Index of this host among TXL_NUM_HOSTS"},
		"TXL_NUM_HOSTS":   {"TXL_NUM_HOSTS", NumHosts, "Number of hosts sharing a training file (default 1)"},
		"TXL_NUM_PASSES":  {"TXL_NUM_PASSES", NumPasses, "Randomized passes over static training data (default 10)"},
		"TXL_NUM_PROCS":   {"TXL_NUM_PROCS", NumProcs, "Shards encoded concurrently (default number of CPUs)"},
		"TXL_NUM_SHUFFLE": {"TXL_NUM_SHUFFLE", NumShuffle, "Shuffled copies written per training shard (default 4)"},
		"TXL_RECORD_DIR":  {"TXL_RECORD_DIR", RecordDir, "Directory for record files (default TXL_DATA_DIR/tfrecords)"},
		"TXL_SEED":        {"TXL_SEED", Seed, "Seed for shuffling and augmentation"},
		"TXL_STATIC":      {"TXL_STATIC", Static, "Write static-shape records with bucket permutations"},
		"TXL_STD_MULT":    {"TXL_STD_MULT", StdMult, "Comma separated standard deviation multipliers per tail bucket (default 2.5)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// get prefers the environment over the configuration file.
func get(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := get("TXL_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	DataDir = get("TXL_DATA_DIR")
	if DataDir == "" {
		DataDir = "data"
	}

	RecordDir = get("TXL_RECORD_DIR")
	if RecordDir == "" {
		RecordDir = filepath.Join(DataDir, "tfrecords")
	}

	Cores = positive("TXL_CORES", 1)
	NumHosts = positive("TXL_NUM_HOSTS", 1)
	NumProcs = positive("TXL_NUM_PROCS", runtime.NumCPU())
	NumPasses = positive("TXL_NUM_PASSES", 10)
	NumShuffle = positive("TXL_NUM_SHUFFLE", 4)

	HostID = 0
	if id := get("TXL_HOST_ID"); id != "" {
		v, err := strconv.Atoi(id)
		if err != nil || v < 0 || v >= NumHosts {
			slog.Error("invalid setting", "TXL_HOST_ID", id, "TXL_NUM_HOSTS", NumHosts, "error", err)
		} else {
			HostID = v
		}
	}

	Static = false
	if static := get("TXL_STATIC"); static != "" {
		s, err := strconv.ParseBool(static)
		if err != nil {
			slog.Error("invalid setting", "TXL_STATIC", static, "error", err)
		} else {
			Static = s
		}
	}

	StdMult = nil
	if mult := get("TXL_STD_MULT"); mult != "" {
		StdMult = parseFloatList(mult)
		if StdMult == nil {
			slog.Error("invalid setting, ignoring", "TXL_STD_MULT", mult)
		}
	}

	Seed = 0
	if seed := get("TXL_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "TXL_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}
}

// positive returns the integer value of key or fallback when it is unset
// or not a positive integer.
func positive(key string, fallback int) int {
	s := get(key)
	if s == "" {
		return fallback
	}

	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return fallback
	}
	return v
}

// parseFloatList parses a comma separated list of non-negative numbers.
// Any invalid entry rejects the whole list.
func parseFloatList(s string) []float64 {
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || v < 0 {
			return nil
		}
		out = append(out, v)
	}
	return out
}
