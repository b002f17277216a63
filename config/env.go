package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
)

// Environment variables overriding the file.
const (
	EnvCacheThreshold = "TIERVM_CACHE_THRESHOLD"
	EnvJITThreshold   = "TIERVM_JIT_THRESHOLD"
	EnvOSRThreshold   = "TIERVM_OSR_THRESHOLD"
	EnvJIT            = "TIERVM_JIT"
	EnvBackend        = "TIERVM_JIT_BACKEND"
	EnvInlineCaches   = "TIERVM_JIT_INLINE_CACHES"
	EnvCallHints      = "TIERVM_JIT_CALLSITES"
	EnvShowStats      = "TIERVM_SHOW_JIT_STATS"
	EnvMaxMemory      = "TIERVM_JIT_MAX_MEM"
	EnvPerfMap        = "TIERVM_PERF_MAP"
	EnvDumpDir        = "TIERVM_DUMP_DIR"
	EnvLogVerbosity   = "TIERVM_LOG_VERBOSITY"
)

// ApplyEnv applies the TIERVM_* overrides from the process environment.
func (c *Config) ApplyEnv() error {
	return c.ApplyLookup(os.LookupEnv)
}

// ApplyLookup applies the overrides found through lookup. Every malformed
// value is reported; well-formed ones are applied regardless.
func (c *Config) ApplyLookup(lookup func(string) (string, bool)) error {
	var result *multierror.Error
	fail := func(name, val string, err error) {
		result = multierror.Append(result, fmt.Errorf("%s=%q: %w", name, val, err))
	}

	uintVar := func(name string, dst *uint64) {
		if val, ok := lookup(name); ok {
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				fail(name, val, err)
				return
			}
			*dst = n
		}
	}
	boolVar := func(name string, dst *bool) {
		if val, ok := lookup(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				fail(name, val, err)
				return
			}
			*dst = b
		}
	}

	uintVar(EnvCacheThreshold, &c.Tiering.CacheThreshold)
	uintVar(EnvJITThreshold, &c.Tiering.JITThreshold)
	uintVar(EnvOSRThreshold, &c.Tiering.OSRThreshold)
	boolVar(EnvJIT, &c.JIT.Enabled)
	boolVar(EnvInlineCaches, &c.JIT.InlineCaches)
	boolVar(EnvCallHints, &c.JIT.CallHints)
	boolVar(EnvPerfMap, &c.JIT.PerfMap)
	boolVar(EnvShowStats, &c.JIT.ShowStats)

	if val, ok := lookup(EnvBackend); ok {
		switch val {
		case BackendAuto, BackendNative, BackendPortable:
			c.JIT.Backend = val
		default:
			fail(EnvBackend, val, errors.New("want auto, native or portable"))
		}
	}
	if val, ok := lookup(EnvMaxMemory); ok {
		if _, err := units.RAMInBytes(val); err != nil {
			fail(EnvMaxMemory, val, err)
		} else {
			c.JIT.MaxMemory = val
		}
	}
	if val, ok := lookup(EnvDumpDir); ok {
		c.JIT.DumpDir = val
	}
	if val, ok := lookup(EnvLogVerbosity); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			fail(EnvLogVerbosity, val, err)
		} else {
			c.Log.Verbosity = n
		}
	}
	return result.ErrorOrNil()
}
