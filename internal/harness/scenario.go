package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/qnnc/internal/compiler"
	"github.com/roach88/qnnc/internal/ir"
)

// DefaultSamples is the inputset size drawn when a scenario names neither
// an inputset file nor a sample count.
const DefaultSamples = 100

// Scenario defines one compilation conformance test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Graph is the path of the graph document to compile.
	Graph string `yaml:"graph"`

	// Inputset is an optional inputset document. When empty, Samples rows
	// are drawn from Seed.
	Inputset string `yaml:"inputset,omitempty"`
	Samples  int    `yaml:"samples,omitempty"`
	Seed     uint64 `yaml:"seed,omitempty"`

	Compile CompileSettings `yaml:"compile"`

	// Expect, when set, makes compilation failure the expected outcome.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// Assertions validate the compiled circuit.
	// Supported types: max_bit_width, table_count, relative_mae,
	// agreement, mlir_contains
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// CompileSettings mirrors the compile options a scenario may set.
type CompileSettings struct {
	NBits                 any   `yaml:"n_bits,omitempty"`
	ImportQAT             bool  `yaml:"import_qat,omitempty"`
	RoundingThresholdBits *uint `yaml:"rounding_threshold_bits,omitempty"`
	UseVirtualLib         bool  `yaml:"use_virtual_lib,omitempty"`
}

// Options converts the settings into compile options.
func (c CompileSettings) Options() compiler.Options {
	return compiler.Options{
		NBits:                 c.NBits,
		ImportQAT:             c.ImportQAT,
		RoundingThresholdBits: c.RoundingThresholdBits,
		UseVirtualLib:         c.UseVirtualLib,
	}
}

// ExpectClause specifies an expected compilation failure.
type ExpectClause struct {
	// Error is the expected error code, e.g. "QAT_IMPORT".
	Error string `yaml:"error"`

	// Message, if set, must appear in the error text.
	Message string `yaml:"message,omitempty"`
}

// Assertion validates a property of the compiled circuit.
type Assertion struct {
	// Type specifies the assertion type:
	// - "max_bit_width": widest integer of the circuit is at most Max
	// - "table_count": number of lookups equals Count, or lies in [Min, Max]
	// - "relative_mae": every output's MAE over its range is at most Max
	// - "agreement": every output's argmax agreement is at least Min
	// - "mlir_contains": circuit text contains Text
	Type string `yaml:"type"`

	Min   *float64 `yaml:"min,omitempty"`
	Max   *float64 `yaml:"max,omitempty"`
	Count *int     `yaml:"count,omitempty"`
	Text  string   `yaml:"text,omitempty"`
}

// Assertion type constants.
const (
	AssertMaxBitWidth  = "max_bit_width"
	AssertTableCount   = "table_count"
	AssertRelativeMAE  = "relative_mae"
	AssertAgreement    = "agreement"
	AssertMLIRContains = "mlir_contains"
)

// errorCodes lists the codes an expect clause may name.
var errorCodes = []ir.ErrorCode{
	ir.ErrCodeConfigInvalid,
	ir.ErrCodeQATImport,
	ir.ErrCodeUnsupportedOperator,
	ir.ErrCodePrecondition,
	ir.ErrCodeOutOfRange,
	ir.ErrCodeInvalidGraph,
}

// LoadScenario reads and parses a scenario YAML file. Relative graph and
// inputset paths are resolved against the directory holding the file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	scenario.Graph = resolve(base, scenario.Graph)
	scenario.Inputset = resolve(base, scenario.Inputset)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every .yaml and .yml file directly inside dir,
// ordered by name. Subdirectories are left alone so scenarios can keep
// their graph documents next to them.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	var scenarios []*Scenario
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Graph == "" {
		return fmt.Errorf("graph is required")
	}
	if _, err := os.Stat(s.Graph); os.IsNotExist(err) {
		return fmt.Errorf("graph file not found: %s", s.Graph)
	}
	if s.Inputset != "" {
		if _, err := os.Stat(s.Inputset); os.IsNotExist(err) {
			return fmt.Errorf("inputset file not found: %s", s.Inputset)
		}
	}
	if s.Samples < 0 {
		return fmt.Errorf("samples must be non-negative")
	}

	if s.Expect != nil {
		if !slices.Contains(errorCodes, ir.ErrorCode(s.Expect.Error)) {
			return fmt.Errorf("expect: unknown error code %q", s.Expect.Error)
		}
		if len(s.Assertions) > 0 {
			return fmt.Errorf("assertions cannot be combined with an expected error")
		}
		return nil
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertMaxBitWidth, AssertRelativeMAE:
		if a.Max == nil {
			return fmt.Errorf("assertions[%d]: max is required for %s", index, a.Type)
		}
	case AssertAgreement:
		if a.Min == nil {
			return fmt.Errorf("assertions[%d]: min is required for agreement", index)
		}
	case AssertTableCount:
		if a.Count == nil && a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: count, min or max is required for table_count", index)
		}
		if a.Count != nil && *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for table_count", index)
		}
	case AssertMLIRContains:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for mlir_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
