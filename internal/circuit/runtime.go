package circuit

import (
	"context"
	"errors"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// EncryptedMaxBitWidth is the widest table index an encrypted runtime
// evaluates.
const EncryptedMaxBitWidth = 16

// ErrNoEncryptedRuntime is returned when encrypted execution is requested
// but no cryptosystem backend was injected.
var ErrNoEncryptedRuntime = errors.New("no encrypted runtime available; simulate the circuit or inject a backend")

// Runtime accepts lowered programs for execution.
type Runtime interface {
	Name() string
	// MaxBitWidth bounds the table index width of accepted programs. Zero
	// means unbounded.
	MaxBitWidth() uint
	Load(p *Program) (Executor, error)
}

// Executor runs one loaded program.
type Executor interface {
	Run(ctx context.Context, inputs []*tensor.Int) ([]*tensor.Int, error)
}

// VirtualRuntime executes programs in the clear with the reference
// simulator. It accepts any bit width.
type VirtualRuntime struct{}

func (VirtualRuntime) Name() string      { return "virtual" }
func (VirtualRuntime) MaxBitWidth() uint { return 0 }

func (VirtualRuntime) Load(p *Program) (Executor, error) {
	return simulator{prog: p}, nil
}

type simulator struct{ prog *Program }

func (s simulator) Run(ctx context.Context, inputs []*tensor.Int) ([]*tensor.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.prog.Run(inputs)
}

// EncryptedConstraints enforces the limits of encrypted execution. Backend
// performs the execution; without one, loading succeeds but Run fails with
// ErrNoEncryptedRuntime.
type EncryptedConstraints struct {
	Backend Runtime
}

func (EncryptedConstraints) Name() string      { return "encrypted" }
func (EncryptedConstraints) MaxBitWidth() uint { return EncryptedMaxBitWidth }

func (e EncryptedConstraints) Load(p *Program) (Executor, error) {
	if err := checkWidth(p, e); err != nil {
		return nil, err
	}
	if e.Backend == nil {
		return unavailable{}, nil
	}
	return e.Backend.Load(p)
}

type unavailable struct{}

func (unavailable) Run(context.Context, []*tensor.Int) ([]*tensor.Int, error) {
	return nil, ErrNoEncryptedRuntime
}

func checkWidth(p *Program, rt Runtime) error {
	limit := rt.MaxBitWidth()
	if limit == 0 {
		return nil
	}
	for _, s := range p.Sites {
		if s.InputBits() > limit {
			return ir.Errorf(ir.ErrCodeOutOfRange,
				"table input of %d bits exceeds the %d-bit limit of the %s runtime; lower n_bits or set rounding_threshold_bits",
				s.InputBits(), limit, rt.Name()).WithNode(s.Name)
		}
	}
	return nil
}
