// Package vmerrors provides the structured error type used throughout the
// runtime coordinator, the resolver, and the cross-VM bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (what went wrong). Use the Builder for structured construction:
//
//	err := vmerrors.New(vmerrors.PhaseResolve, vmerrors.KindNotFound).
//		Detail("module %q not found", spec).
//		Build()
//
// Or the convenience constructors for common shapes:
//
//	err := vmerrors.NotFound(vmerrors.PhaseResolve, "module", spec)
//
// All errors implement the standard error interface and support
// errors.Is/As.
package vmerrors

import (
	"fmt"
	"strings"
)

// Phase indicates which component raised the error.
type Phase string

const (
	PhaseResolve Phase = "resolve" // RequireResolver
	PhaseModule  Phase = "module"  // module load & execution
	PhaseRuntime Phase = "runtime" // cooperative loop, Ref, registry
	PhaseAsync   Phase = "async"   // AsyncWorkBridge
	PhaseBridge  Phase = "bridge"  // CrossVMCall
)

// Kind categorizes the error within its Phase. Constants are named after
// the kinds enumerated in the error taxonomy; they are not namespaced
// per-Phase, and some kinds (KindRuntimeError, KindIO) are raised under
// more than one Phase.
type Kind string

const (
	// Resolver errors.
	KindNotFound   Kind = "not_found"
	KindAmbiguous  Kind = "ambiguous"
	KindIO         Kind = "io"
	KindDisallowed Kind = "disallowed"

	// Module errors.
	KindCompileError   Kind = "compile_error"
	KindLoadError      Kind = "load_error"
	KindRuntimeError   Kind = "runtime_error"
	KindNoReturnValue  Kind = "no_return_value"
	KindBadReturnValue Kind = "bad_return_value"
	KindUnexpectedYield Kind = "unexpected_yield"
	KindUnknownError   Kind = "unknown_error"

	// Runtime errors.
	KindTopLevelYieldReturnedValues Kind = "top_level_yield_returned_values"
	KindNonThreadRef                Kind = "non_thread_ref"
	KindWrongVM                     Kind = "wrong_vm"

	// Async errors.
	KindTaskFailed Kind = "task_failed"

	// Bridge errors.
	KindUnmarshalableValue Kind = "unmarshalable_value"
	KindUnmarshalableCycle Kind = "unmarshalable_cycle"
	KindChildFaulted       Kind = "child_faulted"
)

// Error is the structured error type used throughout the coordinator.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New starts building an error of the given Phase and Kind.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors.

func NotFound(phase Phase, what, name string) *Error {
	return New(phase, KindNotFound).Detail("%s %q not found", what, name).Build()
}

func Ambiguous(phase Phase, name string, candidates []string) *Error {
	return New(phase, KindAmbiguous).
		Detail("%q resolves to multiple candidates: %s", name, strings.Join(candidates, ", ")).
		Build()
}

func IOError(phase Phase, detail string, cause error) *Error {
	return New(phase, KindIO).Detail("%s", detail).Cause(cause).Build()
}

func Disallowed(phase Phase, detail string) *Error {
	return New(phase, KindDisallowed).Detail("%s", detail).Build()
}

func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return New(phase, kind).Detail("%s", detail).Cause(cause).Build()
}

func TaskFailed(cause error) *Error {
	return New(PhaseAsync, KindTaskFailed).Detail("worker task failed").Cause(cause).Build()
}

func ChildFaulted(cause error) *Error {
	return New(PhaseBridge, KindChildFaulted).Detail("child runtime faulted").Cause(cause).Build()
}

func WrongVM() *Error {
	return New(PhaseRuntime, KindWrongVM).Detail("ref pushed onto a VM other than the one that captured it").Build()
}
