package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/nwvm/pkg/ncs"
)

var (
	// ErrMalformedProgram is returned for bytecode that fails to decode.
	ErrMalformedProgram = ncs.ErrMalformedProgram

	// ErrStackTypeMismatch is returned when a cell is read as the wrong
	// type. The stack is left unchanged.
	ErrStackTypeMismatch = errors.New("stack type mismatch")

	// ErrStackUnderflow is returned when popping an empty stack.
	ErrStackUnderflow = errors.New("stack underflow")

	// ErrInvalidStackAccess is returned for stack offsets outside the
	// live region, or for BP moves past SP.
	ErrInvalidStackAccess = errors.New("invalid stack access")

	ErrCallDepthExceeded      = errors.New("call depth exceeded")
	ErrLoopLimitExceeded      = errors.New("loop limit exceeded")
	ErrRecursionLimitExceeded = errors.New("script recursion limit exceeded")

	// ErrScriptAborted marks a deliberate early exit, either requested
	// through VM.Abort or signaled by an action handler.
	ErrScriptAborted = errors.New("script aborted")

	// ErrUseAfterConsume is returned when a situation is resumed twice.
	ErrUseAfterConsume = errors.New("script situation already consumed")

	ErrInvalidPC       = errors.New("invalid program counter")
	ErrUnknownAction   = errors.New("unknown action")
	ErrDivideByZero    = errors.New("division by zero")
	ErrNotSerializable = errors.New("situation is not serializable")
)

// ScriptError reports a failure at a specific instruction of a script.
type ScriptError struct {
	Script string
	PC     uint32
	File   string
	Line   int
	Err    error
}

func (e *ScriptError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: pc 0x%08X (%s:%d): %v", e.Script, e.PC, e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: pc 0x%08X: %v", e.Script, e.PC, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// IsAbort reports whether err is a clean early exit rather than a fault.
func IsAbort(err error) bool {
	return errors.Is(err, ErrScriptAborted)
}

// IsGuardTrip reports whether err came from a resource guard.
func IsGuardTrip(err error) bool {
	return errors.Is(err, ErrCallDepthExceeded) ||
		errors.Is(err, ErrLoopLimitExceeded) ||
		errors.Is(err, ErrRecursionLimitExceeded)
}
