package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// schemaFile names the embedded schema in CUE positions.
const schemaFile = "qnnc-config-schema.cue"

// ConfigSchema is the closed schema of compile configuration files. Budget
// keys are left open here so ParseBudget reports unknown keys with the
// same message as library callers get.
const ConfigSchema = `
#Config: {
	n_bits?:                  int | {[string]: int}
	import_qat?:              bool
	rounding_threshold_bits?: int & >=1
	use_virtual_lib?:         bool
	verbose?:                 bool
}
`

// Config is the file form of compile options.
type Config struct {
	NBits                 any   `json:"n_bits,omitempty"`
	ImportQAT             bool  `json:"import_qat"`
	RoundingThresholdBits *uint `json:"rounding_threshold_bits,omitempty"`
	UseVirtualLib         bool  `json:"use_virtual_lib"`
	Verbose               bool  `json:"verbose"`
}

// Options converts the configuration into compile options.
func (c *Config) Options() Options {
	return Options{
		NBits:                 c.NBits,
		ImportQAT:             c.ImportQAT,
		RoundingThresholdBits: c.RoundingThresholdBits,
		UseVirtualLib:         c.UseVirtualLib,
		Verbose:               c.Verbose,
	}
}

// CompileConfig checks a CUE value against ConfigSchema and decodes it.
// Uses CUE SDK's Go API directly (not CLI subprocess).
func CompileConfig(v cue.Value) (*Config, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	schema := v.Context().CompileString(ConfigSchema, cue.Filename(schemaFile)).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	cfg := &Config{}
	var err error
	if cfg.ImportQAT, err = optionalBool(v, "import_qat"); err != nil {
		return nil, err
	}
	if cfg.UseVirtualLib, err = optionalBool(v, "use_virtual_lib"); err != nil {
		return nil, err
	}
	if cfg.Verbose, err = optionalBool(v, "verbose"); err != nil {
		return nil, err
	}

	if t := v.LookupPath(cue.ParsePath("rounding_threshold_bits")); t.Exists() {
		n, err := t.Uint64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		bits := uint(n)
		cfg.RoundingThresholdBits = &bits
	}

	if nb := v.LookupPath(cue.ParsePath("n_bits")); nb.Exists() {
		if cfg.NBits, err = decodeBudget(nb); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// CompileConfigString compiles configuration source text.
func CompileConfigString(filename, src string) (*Config, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return CompileConfig(v)
}

func optionalBool(v cue.Value, field string) (bool, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return false, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// decodeBudget returns an int for scalar budgets and a map[string]any for
// mappings, the shapes quant.ParseBudget accepts.
func decodeBudget(v cue.Value) (any, error) {
	if v.IncompleteKind() == cue.IntKind {
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return int(n), nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	m := map[string]any{}
	for iter.Next() {
		n, err := iter.Value().Int64()
		if err != nil {
			return nil, &CompileError{
				Field:   "n_bits." + iter.Selector().Unquoted(),
				Message: "must be an integer",
				Pos:     iter.Value().Pos(),
			}
		}
		m[iter.Selector().Unquoted()] = int(n)
	}
	return m, nil
}

// CompileError represents a configuration error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors. Positions in the
// configuration itself win over positions in the schema it violates.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	var fallback *CompileError
	for _, e := range errs {
		for _, pos := range errors.Positions(e) {
			if !pos.IsValid() {
				continue
			}
			ce := &CompileError{Field: "cue", Message: e.Error(), Pos: pos}
			if pos.Filename() != schemaFile {
				return ce
			}
			if fallback == nil {
				fallback = ce
			}
		}
	}
	if fallback != nil {
		return fallback
	}
	return err
}
