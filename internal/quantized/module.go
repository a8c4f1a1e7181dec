// Package quantized is the user-facing handle on a compiled network: it
// quantizes float inputs, runs the integer circuit and dequantizes the
// results.
package quantized

import (
	"context"

	"github.com/roach88/qnnc/internal/circuit"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/tensor"
)

// Module wraps a lowered program. It is usable for input quantization as
// soon as it is built; simulation and execution need Compile.
type Module struct {
	program *circuit.Program
	circuit *circuit.Circuit
}

// NewModule returns an uncompiled module for p.
func NewModule(p *circuit.Program) *Module {
	return &Module{program: p}
}

// Compile assembles the circuit for rt. A nil runtime selects the virtual
// runtime.
func (m *Module) Compile(rt circuit.Runtime) error {
	if m.program == nil {
		return ir.Errorf(ir.ErrCodePrecondition, "module has no program to compile")
	}
	c, err := circuit.Compile(m.program, rt)
	if err != nil {
		return err
	}
	m.circuit = c
	return nil
}

// CheckModelIsCompiled returns a precondition error when the circuit has
// not been assembled.
func (m *Module) CheckModelIsCompiled() error {
	if m == nil || m.circuit == nil {
		return ir.Errorf(ir.ErrCodePrecondition, "the module is not compiled; compile it before simulating or running it")
	}
	return nil
}

// Circuit returns the compiled circuit, or nil.
func (m *Module) Circuit() *circuit.Circuit { return m.circuit }

// Program returns the lowered program.
func (m *Module) Program() *circuit.Program { return m.program }

// InputParams returns the quantization of each input.
func (m *Module) InputParams() []quant.Params {
	if m.program == nil {
		return nil
	}
	return m.program.InputParams()
}

// OutputParams returns the quantization of each output.
func (m *Module) OutputParams() []quant.Params {
	if m.program == nil {
		return nil
	}
	return m.program.OutputParams()
}

// QuantizeInput quantizes one float batch per model input.
func (m *Module) QuantizeInput(xs ...*tensor.Float) ([]*tensor.Int, error) {
	if m.program == nil {
		return nil, ir.Errorf(ir.ErrCodePrecondition, "module has no quantized inputs")
	}
	ps := m.program.InputParams()
	if len(xs) != len(ps) {
		return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "expected %d inputs, got %d", len(ps), len(xs))
	}
	out := make([]*tensor.Int, len(xs))
	for i, x := range xs {
		if x == nil {
			return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "input %d is nil", i).WithTensor(m.program.InputNames[i])
		}
		out[i] = ps[i].QuantizeTensor(x)
	}
	return out, nil
}

// DequantizeOutput maps output codes back to real values.
func (m *Module) DequantizeOutput(qs ...*tensor.Int) ([]*tensor.Float, error) {
	if m.program == nil {
		return nil, ir.Errorf(ir.ErrCodePrecondition, "module has no quantized outputs")
	}
	ps := m.program.OutputParams()
	if len(qs) != len(ps) {
		return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "expected %d outputs, got %d", len(ps), len(qs))
	}
	out := make([]*tensor.Float, len(qs))
	for i, q := range qs {
		out[i] = ps[i].DequantizeTensor(q)
	}
	return out, nil
}

// Simulate evaluates the circuit exactly on quantized inputs.
func (m *Module) Simulate(qs ...*tensor.Int) ([]*tensor.Int, error) {
	if err := m.CheckModelIsCompiled(); err != nil {
		return nil, err
	}
	return m.circuit.Simulate(qs)
}

// Run executes the circuit on its runtime.
func (m *Module) Run(ctx context.Context, qs ...*tensor.Int) ([]*tensor.Int, error) {
	if err := m.CheckModelIsCompiled(); err != nil {
		return nil, err
	}
	return m.circuit.Run(ctx, qs)
}

// Forward simulates quantized inputs and dequantizes the result.
func (m *Module) Forward(qs ...*tensor.Int) ([]*tensor.Float, error) {
	out, err := m.Simulate(qs...)
	if err != nil {
		return nil, err
	}
	return m.DequantizeOutput(out...)
}

// Predict runs the whole float-to-float pipeline in simulation.
func (m *Module) Predict(xs ...*tensor.Float) ([]*tensor.Float, error) {
	if err := m.CheckModelIsCompiled(); err != nil {
		return nil, err
	}
	qs, err := m.QuantizeInput(xs...)
	if err != nil {
		return nil, err
	}
	return m.Forward(qs...)
}
