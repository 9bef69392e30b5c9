// Package vm executes compiled NWScript programs.
//
// This package contains:
//   - the typed operand stack with byte-scaled SP and BP
//   - reference-counted engine structure handles
//   - the ordinal action table and handler interfaces, including fast calls
//   - the interpreter and the closure compiler, which behave identically
//   - script situations: capture, at-most-once resume and CBOR persistence
//
// A VM runs one script chain at a time. Action handlers may re-enter it
// through ExecuteScript up to the configured recursion limit.
package vm
