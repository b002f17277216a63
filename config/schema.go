package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

// Schema is the CUE definition tiervm.toml documents must satisfy.
// Definitions are closed, so unknown tables and keys are rejected.
const Schema = `
#Config: {
	tiering?: {
		"cache-threshold"?: int & >=1
		"jit-threshold"?:   int & >=1
		"osr-threshold"?:   int & >=1
	}
	jit?: {
		enabled?:         bool
		backend?:         "auto" | "native" | "portable"
		"inline-caches"?: bool
		"call-hints"?:    bool
		"max-memory"?:    string & !=""
		"perf-map"?:      bool
		"dump-dir"?:      string
		"show-stats"?:    bool
	}
	log?: {
		verbosity?: int & >=-4 & <=5
		path?:      string
	}
}
`

// ValidateDocument checks a TOML document against Schema.
func ValidateDocument(data []byte) error {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return validateValue(raw)
}

func validateValue(raw map[string]any) error {
	ctx := cuecontext.New()
	s := ctx.CompileString(Schema)
	if err := s.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	def := s.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}
