package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/qnnc/internal/compiler"
	"github.com/roach88/qnnc/internal/graphio"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Error code constants, shared by every command.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeNotFound     = "E002" // Path not found
	ErrCodeParseFailed  = "E003" // Graph or inputset document malformed
	ErrCodeLoadFailed   = "E004" // CUE load failed
	ErrCodeBuildFailed  = "E005" // CUE build failed
	ErrCodeConfigSchema = "E006" // Configuration does not match the schema
	ErrCodeWriteFailed  = "E007" // File write error
)

// LoadError represents an error that occurred while reading inputs.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
	Err     error
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

func (e *LoadError) Unwrap() error { return e.Err }

func notFound(kind, path string, err error) *LoadError {
	return &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", kind, path), Err: err}
}

// LoadConfig reads a CUE compile configuration file and checks it against
// compiler.ConfigSchema.
func LoadConfig(path string) (*compiler.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, notFound("config file", path, err)
	}
	if info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a file: %s", path)}
	}

	cfg := &load.Config{Dir: filepath.Dir(path)}
	instances := load.Instances([]string{filepath.Base(path)}, cfg)
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE file: %v", inst.Err), Err: inst.Err}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err), Err: err}
	}

	c, err := compiler.CompileConfig(value)
	if err != nil {
		return nil, convertCompileError(err)
	}
	return c, nil
}

// convertCompileError converts a configuration error to a LoadError with
// position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeConfigSchema,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
			Err:     err,
		}
	}
	return &LoadError{Code: ErrCodeConfigSchema, Message: err.Error(), Err: err}
}

// LoadGraphDocument reads a graph document without building the graph.
func LoadGraphDocument(path string) (*graphio.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, notFound("graph file", path, err)
	}
	defer f.Close()
	doc, err := graphio.Decode(f)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("%s: %v", path, err), Err: err}
	}
	return doc, nil
}

// LoadGraph reads and builds a graph. Structural defects are returned as
// compiler errors, not load errors.
func LoadGraph(path string) (*ir.Graph, error) {
	doc, err := LoadGraphDocument(path)
	if err != nil {
		return nil, err
	}
	return doc.Graph()
}

// LoadInputset reads an inputset document and binds it to g.
func LoadInputset(path string, g *ir.Graph) ([]*tensor.Float, error) {
	xs, err := graphio.ReadInputset(path, g)
	switch {
	case err == nil:
		return xs, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, notFound("inputset file", path, err)
	case ir.IsConfigError(err):
		return nil, err
	}
	return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("%s: %v", path, err), Err: err}
}
