package vm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Configuration file
// ---------------------------------------------------------------------------

// Config is the optional golama.toml configuration.
type Config struct {
	Runtime  RuntimeConfig  `toml:"runtime"`
	Analysis AnalysisConfig `toml:"analysis"`
}

// RuntimeConfig configures execution.
type RuntimeConfig struct {
	// MaxStack bounds the virtual stack in cells; 0 keeps the default.
	MaxStack int `toml:"max-stack"`

	// DynamicChecks enables the per-operation re-verification mode.
	DynamicChecks bool `toml:"dynamic-checks"`

	// Trace enables the per-cycle dispatch trace on stderr.
	Trace bool `toml:"trace"`
}

// AnalysisConfig configures the analysis side-stores.
type AnalysisConfig struct {
	// StatsDB is the SQLite database that idiom analysis runs are
	// recorded into. Empty disables recording.
	StatsDB string `toml:"stats-db"`

	// InfoCache is the CBOR file that verification results are cached
	// in. Empty disables the cache.
	InfoCache string `toml:"info-cache"`
}

// LoadConfig parses a golama.toml file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileOpen, path)
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
	}
	if cfg.Runtime.MaxStack < 0 {
		return nil, fmt.Errorf("parsing %s: max-stack must not be negative", path)
	}
	return &cfg, nil
}
