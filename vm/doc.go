// Package vm implements the cinder scripting virtual machine.
//
// A VM hosts any number of processes, each a running instance of a compiled
// Program. Processes own a reference-counted Memory (a boundary-tagged value
// heap for globals and arrays, and an object table for host objects) and run
// one or more cooperative threads. The host drives everything from a single
// goroutine by calling RunAll with a time budget; the budget is split among
// processes and their threads by priority.
//
// This package contains:
//   - Tagged Value representation and conversions
//   - Value heap, object table and reference-counted assignment
//   - Program model, builder and binary image codec
//   - Thread interpreter, processes, states and the scheduler
//   - Native function registry and cross-process exports
//   - Debugger hook, stock debugger and inspector
package vm
