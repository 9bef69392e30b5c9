// Package host runs scripts by name for a game host.
//
// A Runtime owns one VM, a ScriptCache that loads programs from a
// ResourceProvider and chooses between interpretation and compilation
// through a JITPolicy, and a SituationManager that holds the situations
// saved by DelayCommand and AssignCommand until their timers fire. A
// Worker serializes access to the runtime from other goroutines.
package host
