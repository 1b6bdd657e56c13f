// Package vm implements the golama virtual machine.
//
// This package contains:
//   - Word-tagged value representation
//   - Heap object layout and the GC virtual stack
//   - Bytecode decoding and disassembly
//   - The module loader and the static verifier
//   - The idiom analyzer
//   - The bytecode interpreter
package vm
