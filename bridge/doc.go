// Package bridge connects the VM to a host that keeps its own execution
// stack and native action implementations.
//
// ForeignStack documents the host stack layout the bridge writes to, and
// MemoryForeignStack implements it in Go memory. Bridge is a vm.ActionHandler
// and vm.EngineFactory that moves action arguments and return values between
// the two stacks and wraps host engine structure handles in reference-counted
// VM structures.
package bridge
