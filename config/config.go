// Package config handles tiervm.toml engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"

	"github.com/chazu/tiervm/vm"
)

// FileName is the name of the configuration file.
const FileName = "tiervm.toml"

// Config represents a tiervm.toml file.
type Config struct {
	Tiering Tiering `toml:"tiering"`
	JIT     JIT     `toml:"jit"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the tiervm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Tiering configures the tier thresholds.
type Tiering struct {
	CacheThreshold uint64 `toml:"cache-threshold"`
	JITThreshold   uint64 `toml:"jit-threshold"`
	OSRThreshold   uint64 `toml:"osr-threshold"`
}

// JIT configures the compiler.
type JIT struct {
	Enabled      bool   `toml:"enabled"`
	Backend      string `toml:"backend"`
	InlineCaches bool   `toml:"inline-caches"`
	CallHints    bool   `toml:"call-hints"`
	MaxMemory    string `toml:"max-memory"`
	PerfMap      bool   `toml:"perf-map"`
	DumpDir      string `toml:"dump-dir"`
	// ShowStats prints the compiled-code cache counters after a run.
	ShowStats bool `toml:"show-stats"`
}

// Backend names accepted by jit.backend.
const (
	BackendAuto     = "auto"
	BackendNative   = "native"
	BackendPortable = "portable"
)

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	t := vm.DefaultTunables()
	return &Config{
		Tiering: Tiering{
			CacheThreshold: t.CacheThreshold,
			JITThreshold:   t.JITThreshold,
			OSRThreshold:   t.OSRThreshold,
		},
		JIT: JIT{
			Enabled:      t.JITEnabled,
			Backend:      BackendAuto,
			InlineCaches: t.InlineCacheCodegen,
			CallHints:    t.CallHints,
			MaxMemory:    units.BytesSize(float64(t.MaxCodeMemory)),
		},
	}
}

// Parse decodes a configuration from data, starting from the defaults.
// The document is checked against the schema before it is decoded.
func Parse(data []byte) (*Config, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses a tiervm.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if c.JIT.DumpDir != "" && !filepath.IsAbs(c.JIT.DumpDir) {
		c.JIT.DumpDir = filepath.Join(c.Dir, c.JIT.DumpDir)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a tiervm.toml file, then
// loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the values the schema cannot express and reports every
// problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	t := c.Tiering
	if t.CacheThreshold == 0 {
		result = multierror.Append(result, errors.New("tiering.cache-threshold must be positive"))
	}
	if t.JITThreshold < t.CacheThreshold {
		result = multierror.Append(result, fmt.Errorf("tiering.jit-threshold (%d) is below tiering.cache-threshold (%d)", t.JITThreshold, t.CacheThreshold))
	}
	if t.OSRThreshold < t.CacheThreshold {
		result = multierror.Append(result, fmt.Errorf("tiering.osr-threshold (%d) is below tiering.cache-threshold (%d)", t.OSRThreshold, t.CacheThreshold))
	}
	switch c.JIT.Backend {
	case "", BackendAuto, BackendNative, BackendPortable:
	default:
		result = multierror.Append(result, fmt.Errorf("jit.backend %q is not one of auto, native, portable", c.JIT.Backend))
	}
	if n, err := units.RAMInBytes(c.JIT.MaxMemory); err != nil {
		result = multierror.Append(result, fmt.Errorf("jit.max-memory: %w", err))
	} else if n <= 0 {
		result = multierror.Append(result, errors.New("jit.max-memory must be positive"))
	}
	return result.ErrorOrNil()
}

// Tunables converts the configuration to engine parameters.
func (c *Config) Tunables() (vm.Tunables, error) {
	mem, err := units.RAMInBytes(c.JIT.MaxMemory)
	if err != nil {
		return vm.Tunables{}, fmt.Errorf("jit.max-memory: %w", err)
	}
	backend := c.JIT.Backend
	if backend == BackendAuto {
		backend = ""
	}
	return vm.Tunables{
		CacheThreshold:     c.Tiering.CacheThreshold,
		JITThreshold:       c.Tiering.JITThreshold,
		OSRThreshold:       c.Tiering.OSRThreshold,
		JITEnabled:         c.JIT.Enabled,
		InlineCacheCodegen: c.JIT.InlineCaches,
		CallHints:          c.JIT.CallHints,
		Backend:            backend,
		MaxCodeMemory:      mem,
		PerfMap:            c.JIT.PerfMap,
		DumpDir:            c.JIT.DumpDir,
	}, nil
}
