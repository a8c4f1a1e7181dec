package quant

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/qnnc/internal/ir"
)

// DefaultBitWidth is used for every role the budget leaves unspecified.
const DefaultBitWidth uint = 8

// Budget bit widths accepted from callers.
const (
	MinBudgetBits uint = 1
	MaxBudgetBits uint = 24
)

// Key names one stage of the network in a bit-width budget.
type Key string

const (
	KeyModelInputs  Key = "model_inputs"
	KeyModelOutputs Key = "model_outputs"
	KeyOpInputs     Key = "op_inputs"
	KeyOpWeights    Key = "op_weights"
)

// Keys lists the recognized budget keys in canonical order.
var Keys = []Key{KeyModelInputs, KeyModelOutputs, KeyOpInputs, KeyOpWeights}

// BudgetKind tags the active variant of a Budget.
type BudgetKind int

const (
	BudgetScalar BudgetKind = iota
	BudgetMapping
)

// Budget is the caller's bit-width request: one scalar for every stage, or a
// mapping over the recognized keys.
type Budget struct {
	Kind   BudgetKind
	Scalar uint
	Values map[Key]uint
}

// ScalarBudget returns a budget applying bits everywhere.
func ScalarBudget(bits uint) Budget {
	return Budget{Kind: BudgetScalar, Scalar: bits}
}

// Bits returns the bit width for a stage.
func (b Budget) Bits(k Key) uint {
	if b.Kind == BudgetScalar {
		if b.Scalar == 0 {
			return DefaultBitWidth
		}
		return b.Scalar
	}
	if v, ok := b.Values[k]; ok {
		return v
	}
	return DefaultBitWidth
}

// Explicit returns a value the caller set for k by name. Scalars are never
// explicit.
func (b Budget) Explicit(k Key) (uint, bool) {
	if b.Kind != BudgetMapping {
		return 0, false
	}
	v, ok := b.Values[k]
	return v, ok
}

func (b Budget) String() string {
	if b.Kind == BudgetScalar {
		return fmt.Sprint(b.Bits(KeyOpInputs))
	}
	parts := make([]string, 0, len(b.Values))
	for _, k := range Keys {
		if v, ok := b.Values[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ProblemKind classifies a budget defect.
type ProblemKind int

const (
	ProblemUnknownKey ProblemKind = iota
	ProblemOutOfRange
	ProblemWrongType
	ProblemEmpty
)

// Problem is one defect found while parsing a budget.
type Problem struct {
	Kind    ProblemKind
	Key     string
	Message string
}

var keyList = func() string {
	names := make([]string, len(Keys))
	for i, k := range Keys {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}()

// ParseBudget converts a caller value into a Budget. nil selects the default
// scalar; integers select a scalar; string-keyed maps select a mapping. Any
// defect is a configuration error listing every problem found.
func ParseBudget(v any) (Budget, error) {
	b, problems := parse(v)
	if len(problems) == 0 {
		return b, nil
	}
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.Message
	}
	return Budget{}, ir.Errorf(ir.ErrCodeConfigInvalid, "invalid n_bits: %s", strings.Join(msgs, "; "))
}

// Problems returns every defect of v without failing fast.
func Problems(v any) []Problem {
	_, p := parse(v)
	return p
}

func parse(v any) (Budget, []Problem) {
	switch x := v.(type) {
	case nil:
		return ScalarBudget(DefaultBitWidth), nil
	case Budget:
		return x, checkBudget(x)
	case map[string]any:
		return parseMap(x)
	case map[string]int:
		return parseMap(widen(x))
	case map[string]uint:
		return parseMap(widen(x))
	case map[string]int64:
		return parseMap(widen(x))
	case map[Key]uint:
		m := make(map[string]any, len(x))
		for k, n := range x {
			m[string(k)] = n
		}
		return parseMap(m)
	}
	bits, p := asBits("n_bits", v)
	if p != nil {
		return Budget{}, []Problem{*p}
	}
	return ScalarBudget(bits), nil
}

func widen[V int | uint | int64](m map[string]V) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func parseMap(m map[string]any) (Budget, []Problem) {
	var problems []Problem
	if len(m) == 0 {
		problems = append(problems, Problem{Kind: ProblemEmpty, Message: "n_bits mapping is empty"})
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)

	b := Budget{Kind: BudgetMapping, Values: make(map[Key]uint, len(m))}
	for _, name := range names {
		if !slices.Contains(Keys, Key(name)) {
			problems = append(problems, Problem{
				Kind:    ProblemUnknownKey,
				Key:     name,
				Message: fmt.Sprintf("n_bits can only contain the following keys: %s (got %q)", keyList, name),
			})
			continue
		}
		bits, p := asBits(name, m[name])
		if p != nil {
			problems = append(problems, *p)
			continue
		}
		b.Values[Key(name)] = bits
	}
	return b, problems
}

func asBits(name string, v any) (uint, *Problem) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		n = int64(min(x, math.MaxInt32))
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		n = int64(min(x, math.MaxInt32))
	case float64:
		if x != math.Trunc(x) {
			return 0, &Problem{Kind: ProblemWrongType, Key: name,
				Message: fmt.Sprintf("%s must be an integer, got %v", name, x)}
		}
		n = int64(max(min(x, math.MaxInt32), math.MinInt32))
	default:
		return 0, &Problem{Kind: ProblemWrongType, Key: name,
			Message: fmt.Sprintf("%s must be an integer or a mapping, got %T", name, v)}
	}
	if n < int64(MinBudgetBits) || n > int64(MaxBudgetBits) {
		return 0, &Problem{Kind: ProblemOutOfRange, Key: name,
			Message: fmt.Sprintf("%s=%d outside [%d, %d]", name, n, MinBudgetBits, MaxBudgetBits)}
	}
	return uint(n), nil
}

func checkBudget(b Budget) []Problem {
	if b.Kind == BudgetScalar {
		if _, p := asBits("n_bits", b.Bits(KeyOpInputs)); p != nil {
			return []Problem{*p}
		}
		return nil
	}
	m := make(map[string]any, len(b.Values))
	for k, v := range b.Values {
		m[string(k)] = v
	}
	_, problems := parseMap(m)
	return problems
}
