// Package ir provides the computation-graph model shared by every stage of the
// compiler.
//
// A Graph owns two arenas, Tensors and Nodes, and everything else refers to
// them through integer handles (TensorID, NodeID). Producer and consumer
// relations are derived once by Finalize and never mutated afterwards, so
// passes can share a graph freely.
//
// This package imports nothing internal except tensor. All other internal
// packages import ir.
package ir
