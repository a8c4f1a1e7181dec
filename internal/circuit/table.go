package circuit

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/roach88/qnnc/internal/ir"
)

// DenseLimit is the largest table materialized as an array. Larger tables
// are evaluated on demand from their defining function.
const DenseLimit = 1 << 16

// EvalFunc maps table indices to output codes.
type EvalFunc func(codes []int64) ([]int64, error)

// Table is a lookup table over the contiguous index range [Lo, Lo+Len).
type Table struct {
	lo      int64
	size    int64
	entries []int64
	eval    EvalFunc
	digest  string
}

// newTable builds a table over [lo, hi]. desc identifies the defining
// function of lazy tables in their digest.
func newTable(lo, hi int64, eval EvalFunc, desc string) (*Table, error) {
	t := &Table{lo: lo, size: hi - lo + 1, eval: eval}
	if t.size <= DenseLimit {
		codes := make([]int64, t.size)
		for i := range codes {
			codes[i] = lo + int64(i)
		}
		entries, err := eval(codes)
		if err != nil {
			return nil, err
		}
		t.entries = entries
		h := make([]byte, 0, 8*len(entries)+16)
		h = binary.LittleEndian.AppendUint64(h, uint64(lo))
		for _, v := range entries {
			h = binary.LittleEndian.AppendUint64(h, uint64(v))
		}
		t.digest = ir.Digest(ir.DomainTable, h)
		return t, nil
	}
	t.digest = ir.Digest(ir.DomainTable, []byte(fmt.Sprintf("lazy %d..%d %s", lo, hi, desc)))
	return t, nil
}

// Lo returns the first index.
func (t *Table) Lo() int64 { return t.lo }

// Len returns the number of entries.
func (t *Table) Len() int64 { return t.size }

// Dense reports whether the entries are stored.
func (t *Table) Dense() bool { return t.entries != nil }

// Entries returns the stored entries, or nil for lazy tables.
func (t *Table) Entries() []int64 { return t.entries }

// Digest identifies the table contents.
func (t *Table) Digest() string { return t.digest }

// Apply looks up every code. Codes outside the index range are an
// out-of-range error.
func (t *Table) Apply(codes []int64) ([]int64, error) {
	out := make([]int64, len(codes))
	for i, c := range codes {
		if c < t.lo || c >= t.lo+t.size {
			return nil, ir.Errorf(ir.ErrCodeOutOfRange, "table index %d outside [%d, %d]", c, t.lo, t.lo+t.size-1)
		}
		if t.entries != nil {
			out[i] = t.entries[c-t.lo]
		}
	}
	if t.entries != nil {
		return out, nil
	}

	uniq := slices.Clone(codes)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	vals, err := t.eval(uniq)
	if err != nil {
		return nil, err
	}
	for i, c := range codes {
		j, _ := slices.BinarySearch(uniq, c)
		out[i] = vals[j]
	}
	return out, nil
}
