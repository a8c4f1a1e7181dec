package report

import (
	"fmt"
	"strings"

	"github.com/roach88/qnnc/internal/quantized"
)

// Site describes one table lookup of a compiled circuit.
type Site struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	InputBits uint   `json:"input_bits"`
	// RoundedFrom is the accumulator width before rounding, or 0.
	RoundedFrom uint   `json:"rounded_from,omitempty"`
	Out         string `json:"out"`
}

// Summary is the shape of a compiled circuit.
type Summary struct {
	Graph             string   `json:"graph"`
	Runtime           string   `json:"runtime"`
	Tables            int      `json:"tables"`
	MaxBitWidth       uint     `json:"max_bit_width"`
	MaxTableInputBits uint     `json:"max_table_input_bits"`
	Fingerprint       string   `json:"fingerprint"`
	Inputs            []string `json:"inputs"`
	Outputs           []string `json:"outputs"`
	Sites             []Site   `json:"sites,omitempty"`
}

// Summarize describes a compiled module.
func Summarize(m *quantized.Module) (*Summary, error) {
	if err := m.CheckModelIsCompiled(); err != nil {
		return nil, err
	}
	c := m.Circuit()
	p := c.Program()
	s := &Summary{
		Graph:             p.Name,
		Runtime:           c.Runtime().Name(),
		Tables:            len(p.Sites),
		MaxBitWidth:       c.MaximumIntegerBitWidth(),
		MaxTableInputBits: p.MaxTableInputBits(),
		Fingerprint:       c.Fingerprint(),
	}
	for i, q := range m.InputParams() {
		s.Inputs = append(s.Inputs, p.InputNames[i]+" "+q.String())
	}
	for i, q := range m.OutputParams() {
		s.Outputs = append(s.Outputs, p.OutputNames[i]+" "+q.String())
	}
	for _, site := range p.Sites {
		d := Site{Name: site.Name, Kind: site.Kind.String(), InputBits: site.InputBits(), Out: site.Out.String()}
		if site.Rounded {
			d.RoundedFrom = site.In.BitWidth
		}
		s.Sites = append(s.Sites, d)
	}
	return s, nil
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "circuit %s on %s runtime\n", s.Graph, s.Runtime)
	fmt.Fprintf(&b, "  max bit width: %d\n", s.MaxBitWidth)
	fmt.Fprintf(&b, "  tables: %d (widest input %d bits)\n", s.Tables, s.MaxTableInputBits)
	for _, site := range s.Sites {
		in := fmt.Sprintf("%d bits", site.InputBits)
		if site.RoundedFrom > 0 {
			in = fmt.Sprintf("%d bits rounded from %d", site.InputBits, site.RoundedFrom)
		}
		fmt.Fprintf(&b, "    %s %s: %s -> %s\n", site.Kind, site.Name, in, site.Out)
	}
	for _, in := range s.Inputs {
		fmt.Fprintf(&b, "  input %s\n", in)
	}
	for _, out := range s.Outputs {
		fmt.Fprintf(&b, "  output %s\n", out)
	}
	fmt.Fprintf(&b, "  fingerprint: %s\n", s.Fingerprint)
	return b.String()
}
