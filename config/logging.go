package config

import (
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("tiervm.config")

// ConfigureLogging sets the verbosity and destination of every tiervm
// logger. An empty path logs to stderr.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Log.Path != "" {
		path = &c.Log.Path
	}
	commonlog.Configure(c.Log.Verbosity, path)
	if c.Dir != "" {
		log.Debugf("configuration loaded from %s", c.Dir)
	}
}

// Resolve returns the configuration for startDir: the nearest tiervm.toml
// above it, or the defaults, with the environment overrides applied.
func Resolve(startDir string) (*Config, error) {
	return ResolveLookup(startDir, os.LookupEnv)
}

// ResolveLookup is Resolve with the overrides read through lookup.
func ResolveLookup(startDir string, lookup func(string) (string, bool)) (*Config, error) {
	c, err := FindAndLoad(startDir)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = Default()
	}
	if err := c.ApplyLookup(lookup); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
