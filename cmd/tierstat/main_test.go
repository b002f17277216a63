package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/tiervm/config"
)

func TestRun(t *testing.T) {
	base := map[string]string{
		config.EnvCacheThreshold: "1",
		config.EnvJITThreshold:   "2",
		config.EnvOSRThreshold:   "10",
	}
	small := []string{"-n", "5", "-loop", "50"}

	tests := []struct {
		name   string
		args   []string
		env    map[string]string
		code   int
		stdout []string
		absent []string
		stderr string
	}{
		{
			name:   "defaults",
			stdout: []string{"Tiering\n", "count ", "Inline caches\n", "Compiler\n", "backend: "},
			absent: []string{"Compiled caches"},
		},
		{
			name:   "stats from the environment",
			env:    map[string]string{config.EnvShowStats: "1"},
			stdout: []string{"Compiled caches\n", "LOAD_ATTR caches: ", "LOAD_METHOD caches: ", "LOAD_GLOBAL caches: ", "STORE_ATTR caches: "},
		},
		{
			name:   "stats flag",
			args:   []string{"-stats"},
			stdout: []string{"Compiled caches\n", " hits ", " misses\n"},
		},
		{
			name:   "portable backend",
			env:    map[string]string{config.EnvBackend: "portable"},
			stdout: []string{"backend: portable (0 of "},
		},
		{
			name:   "jit off",
			env:    map[string]string{config.EnvJIT: "false"},
			stdout: []string{"compilations: 0 (failures 0)", "units: 0,"},
		},
		{
			name:   "disassembly",
			args:   []string{"-disasm", "count"},
			stdout: []string{"count @ ", "entry:\n", "cold:\n"},
		},
		{
			name:   "unknown unit",
			args:   []string{"-disasm", "nothing"},
			code:   1,
			stderr: `No compiled unit named "nothing"`,
		},
		{
			name:   "bad backend",
			env:    map[string]string{config.EnvBackend: "wasm"},
			code:   1,
			stderr: "Error loading configuration",
		},
		{
			name:   "bad stats switch",
			env:    map[string]string{config.EnvShowStats: "loud"},
			code:   1,
			stderr: config.EnvShowStats,
		},
		{
			name:   "unknown flag",
			args:   []string{"-bogus"},
			code:   2,
			stderr: "flag provided but not defined: -bogus",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range base {
				env[k] = v
			}
			for k, v := range tt.env {
				env[k] = v
			}
			lookup := func(k string) (string, bool) {
				v, ok := env[k]
				return v, ok
			}
			args := append([]string{"-C", t.TempDir()}, small...)
			args = append(args, tt.args...)

			var stdout, stderr bytes.Buffer
			if code := run(args, lookup, &stdout, &stderr); code != tt.code {
				t.Fatalf("exit status = %d, want %d\nstderr: %s", code, tt.code, stderr.String())
			}
			out := stdout.String()
			for _, want := range tt.stdout {
				if !strings.Contains(out, want) {
					t.Errorf("output lacks %q:\n%s", want, out)
				}
			}
			for _, unwanted := range tt.absent {
				if strings.Contains(out, unwanted) {
					t.Errorf("output has %q:\n%s", unwanted, out)
				}
			}
			if tt.stderr != "" && !strings.Contains(stderr.String(), tt.stderr) {
				t.Errorf("stderr lacks %q:\n%s", tt.stderr, stderr.String())
			}
		})
	}
}
