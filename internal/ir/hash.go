package ir

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// Domain prefixes for content fingerprints. The version suffix allows the
// encoding to change without colliding with old digests.
const (
	DomainGraph   = "qnnc/graph/v1"
	DomainCircuit = "qnnc/circuit/v1"
	DomainTable   = "qnnc/table/v1"
)

// Digest computes a BLAKE3 hash with domain separation.
// Format: BLAKE3(domain + 0x00 + data)
func Digest(domain string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the graph structure and initializer contents. Two
// graphs with the same fingerprint compile to the same circuit under the
// same options.
func (g *Graph) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "opset=%d\n", g.Opset)
	for _, id := range g.Inputs {
		t := g.Tensors[id]
		fmt.Fprintf(&b, "in %s %v\n", t.Name, t.Shape)
	}
	for _, t := range g.Tensors {
		if t.Init == nil {
			continue
		}
		fmt.Fprintf(&b, "w %s %v ", t.Name, t.Init.Shape)
		var buf [8]byte
		for _, v := range t.Init.Data {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			b.Write(buf[:])
		}
		b.WriteByte('\n')
	}
	order := g.order
	if order == nil {
		for i := range g.Nodes {
			order = append(order, NodeID(i))
		}
	}
	for _, id := range order {
		n := g.Nodes[id]
		fmt.Fprintf(&b, "n %s %s", n.Name, n.Op)
		for _, in := range n.Inputs {
			fmt.Fprintf(&b, " %s", g.Tensors[in].Name)
		}
		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, n.Attrs[k])
		}
		b.WriteByte('\n')
	}
	for _, id := range g.Outputs {
		fmt.Fprintf(&b, "out %s\n", g.Tensors[id].Name)
	}
	return Digest(DomainGraph, []byte(b.String()))
}
