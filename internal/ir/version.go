package ir

// Version constants for the graph model and the compiler.
const (
	// OpsetVersion is the newest interchange opset the registry covers.
	// Graphs declaring a later opset are rejected.
	OpsetVersion = 14

	// CompilerVersion is stamped into circuit dumps.
	CompilerVersion = "0.1.0"
)
