package sandbox

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.starlark.net/starlark"

	"github.com/michaelbrown/kiln/internal/dispatch"
)

var (
	// ErrTooComplex means the program has more call expressions than allowed.
	ErrTooComplex = errors.New("program too complex")
	// ErrCompile means the program failed to parse or resolve.
	ErrCompile = errors.New("program rejected by compiler")
	// ErrTimeout means the program did not finish within its deadline.
	ErrTimeout = errors.New("execution timed out")
	// ErrRemoteTool means the program's value is a tool reply flagged as an error.
	ErrRemoteTool = errors.New("remote tool reported an error")
	// ErrDispatch means a tool call failed before or while reaching its server.
	ErrDispatch = errors.New("tool dispatch failed")
	// ErrEval means the program raised an error while running.
	ErrEval = errors.New("evaluation failed")
	// ErrInternal means the engine itself failed.
	ErrInternal = errors.New("internal error")
)

// Categories reported in fault messages and metrics.
const (
	CategoryTooComplex = "ComplexityExceeded"
	CategoryCompile    = "CompileError"
	CategoryTimeout    = "TimedOut"
	CategoryRemoteTool = "RemoteToolError"
	CategoryDispatch   = "DispatchError"
	CategoryEval       = "EvalError"
	CategoryInternal   = "InternalError"
)

// Fault is an execution failure. Its message is the error payload of the
// result envelope.
type Fault struct {
	Kind error
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	return f.Msg
}

func (f *Fault) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// Classify returns the category name of err, or "" for nil.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTooComplex):
		return CategoryTooComplex
	case errors.Is(err, ErrCompile):
		return CategoryCompile
	case errors.Is(err, ErrTimeout):
		return CategoryTimeout
	case errors.Is(err, ErrRemoteTool):
		return CategoryRemoteTool
	case errors.Is(err, ErrDispatch):
		return CategoryDispatch
	case errors.Is(err, ErrEval):
		return CategoryEval
	}
	return CategoryInternal
}

func tooComplex(calls, limit int) *Fault {
	return &Fault{Kind: ErrTooComplex, Msg: fmt.Sprintf("Too many functions (%d > %d)", calls, limit)}
}

func compileFault(err error) *Fault {
	return &Fault{Kind: ErrCompile, Msg: CategoryCompile + ": " + err.Error(), Err: err}
}

func timedOut(deadline time.Duration) *Fault {
	secs := strconv.FormatFloat(deadline.Seconds(), 'f', -1, 64)
	return &Fault{Kind: ErrTimeout, Msg: fmt.Sprintf("Execution timed out after %s seconds", secs)}
}

func remoteToolFault(msg string) *Fault {
	return &Fault{Kind: ErrRemoteTool, Msg: msg}
}

func internalFault(err error) *Fault {
	return &Fault{Kind: ErrInternal, Msg: CategoryInternal + ": " + err.Error(), Err: err}
}

// runFault classifies an error returned by the running program. Dispatch
// failures keep the dispatcher's message, which names the tool.
func runFault(err error) *Fault {
	var de *dispatch.Error
	if errors.As(err, &de) {
		return &Fault{Kind: ErrDispatch, Msg: CategoryDispatch + ": " + de.Msg, Err: err}
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return &Fault{Kind: ErrEval, Msg: CategoryEval + ": " + ee.Msg, Err: err}
	}
	return internalFault(err)
}
