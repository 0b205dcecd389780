package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"golang.org/x/exp/maps"
)

// Config represents the TOML configuration structure
type Config struct {
	Data struct {
		Dir        string    `toml:"dir"`
		RecordDir  string    `toml:"record_dir"`
		Static     *bool     `toml:"static"`
		NumPasses  int       `toml:"num_passes"`
		NumShuffle int       `toml:"num_shuffle"`
		StdMult    []float64 `toml:"std_mult"`
		Seed       int64     `toml:"seed"`
	} `toml:"data"`

	Hosts struct {
		Cores    int  `toml:"cores"`
		NumHosts int  `toml:"num_hosts"`
		HostID   *int `toml:"host_id"`
		NumProcs int  `toml:"num_procs"`
	} `toml:"hosts"`

	Logging struct {
		Debug bool `toml:"debug"`
	} `toml:"logging"`

	// Model holds model options, decoded by the model package.
	Model map[string]any `toml:"model"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	if path := clean("TXL_CONFIG"); path != "" {
		return []string{path}
	}

	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "txl", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".txl", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "txl", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "txl", "config.toml"),
				filepath.Join(home, ".txl", "config.toml"),
			)
		}
		paths = append(paths, "/etc/txl/config.toml")
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

func readConfig() *Config {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})
	return config
}

// ReloadConfig rereads the configuration file and the environment.
func ReloadConfig() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
	LoadConfig()
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	config := readConfig()
	if config == nil {
		return ""
	}

	positive := func(v int) string {
		if v > 0 {
			return strconv.Itoa(v)
		}
		return ""
	}

	switch key {
	case "TXL_DATA_DIR":
		return config.Data.Dir
	case "TXL_RECORD_DIR":
		return config.Data.RecordDir
	case "TXL_STATIC":
		if config.Data.Static != nil {
			return strconv.FormatBool(*config.Data.Static)
		}
	case "TXL_NUM_PASSES":
		return positive(config.Data.NumPasses)
	case "TXL_NUM_SHUFFLE":
		return positive(config.Data.NumShuffle)
	case "TXL_STD_MULT":
		if len(config.Data.StdMult) > 0 {
			s := make([]string, len(config.Data.StdMult))
			for i, v := range config.Data.StdMult {
				s[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			return strings.Join(s, ",")
		}
	case "TXL_SEED":
		if config.Data.Seed != 0 {
			return strconv.FormatInt(config.Data.Seed, 10)
		}
	case "TXL_CORES":
		return positive(config.Hosts.Cores)
	case "TXL_NUM_HOSTS":
		return positive(config.Hosts.NumHosts)
	case "TXL_HOST_ID":
		if config.Hosts.HostID != nil {
			return strconv.Itoa(*config.Hosts.HostID)
		}
	case "TXL_NUM_PROCS":
		return positive(config.Hosts.NumProcs)
	case "TXL_DEBUG":
		return fmt.Sprintf("%t", config.Logging.Debug)
	}

	return ""
}

// ModelOptions returns a copy of the [model] table of the configuration
// file, or nil if there is none.
func ModelOptions() map[string]any {
	config := readConfig()
	if config == nil || config.Model == nil {
		return nil
	}
	return maps.Clone(config.Model)
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# txl configuration file
# Environment variables (TXL_*) take precedence over values set here.

[data]
# Directory holding train.txt, valid.txt, test.txt and corpus-info.json
dir = "data"
# Directory for record files (default: "<dir>/tfrecords")
record_dir = "data/tfrecords"
# Write static-shape records with bucket permutations
static = true
# Randomized passes over static training data (default: 10)
num_passes = 10
# Shuffled copies written per training shard (default: 4)
num_shuffle = 4
# Standard deviation multipliers per tail bucket (default: 2.5)
std_mult = [2.5, 2.5, 2.5]
seed = 0

[hosts]
# Accelerator cores per host (default: 1)
cores = 8
num_hosts = 1
host_id = 0
# Shards encoded concurrently (default: number of CPUs)
num_procs = 4

[logging]
# Enable debug logging (default: false)
debug = false

[model]
n_token = 267735
n_layer = 16
d_model = 410
d_embed = 410
n_head = 10
d_head = 41
d_inner = 2100
mem_len = 150
div_val = 1
cutoffs = [0, 20000, 40000, 200000, 267735]
proj_same_dim = true
precision = "bf16"
`
}
