package circuit

import (
	"context"

	"github.com/roach88/qnnc/internal/tensor"
)

// Circuit is a program accepted by a runtime. It is immutable and safe for
// concurrent use.
type Circuit struct {
	prog        *Program
	runtime     Runtime
	exec        Executor
	fingerprint string
}

// Compile checks p against the limits of rt and loads it. A nil runtime
// selects the VirtualRuntime.
func Compile(p *Program, rt Runtime) (*Circuit, error) {
	if rt == nil {
		rt = VirtualRuntime{}
	}
	if err := checkWidth(p, rt); err != nil {
		return nil, err
	}
	exec, err := rt.Load(p)
	if err != nil {
		return nil, err
	}
	return &Circuit{prog: p, runtime: rt, exec: exec, fingerprint: p.Fingerprint()}, nil
}

// Program returns the lowered program.
func (c *Circuit) Program() *Program { return c.prog }

// Runtime returns the runtime the circuit was compiled for.
func (c *Circuit) Runtime() Runtime { return c.runtime }

// Sites returns the table lookups in program order.
func (c *Circuit) Sites() []Site { return c.prog.Sites }

// Simulate evaluates the circuit exactly in the clear.
func (c *Circuit) Simulate(inputs []*tensor.Int) ([]*tensor.Int, error) {
	return c.prog.Run(inputs)
}

// Run executes the circuit on its runtime.
func (c *Circuit) Run(ctx context.Context, inputs []*tensor.Int) ([]*tensor.Int, error) {
	return c.exec.Run(ctx, inputs)
}

// MLIR returns the textual form of the program.
func (c *Circuit) MLIR() string { return c.prog.MLIR() }

// MaximumIntegerBitWidth returns the widest integer the circuit handles.
func (c *Circuit) MaximumIntegerBitWidth() uint { return c.prog.MaximumIntegerBitWidth() }

// Fingerprint identifies the compiled program and its tables.
func (c *Circuit) Fingerprint() string { return c.fingerprint }
