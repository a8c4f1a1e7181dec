// Package harness runs compilation scenarios as conformance tests.
//
// A scenario names a graph document, the compile options to apply and the
// properties the compiled circuit must have. The harness compiles the graph
// on a seeded inputset, compares the circuit against the float graph and
// evaluates every assertion, collecting all failures rather than stopping
// at the first.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: mlp_relu_8bit
//	description: "Two-layer MLP keeps its accuracy at 8 bits"
//	graph: graphs/mlp.yaml
//	samples: 200
//	seed: 7
//	compile:
//	  n_bits: 8
//	  rounding_threshold_bits: 6
//	  use_virtual_lib: true
//	assertions:
//	  - type: max_bit_width
//	    max: 16
//	  - type: table_count
//	    count: 1
//	  - type: relative_mae
//	    max: 0.05
//
// Paths are relative to the scenario file. Without an inputset file the
// harness draws samples uniformly from [-1, 1) using seed.
//
// A scenario may instead expect compilation to fail:
//
//	expect:
//	  error: QAT_IMPORT
//	  message: "not dequantized"
//
// # Golden Files
//
// RunWithGolden compares the circuit text against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
