// Package bridge implements CrossVMCall: binding a function that lives in
// a child VM as a callable value in a parent VM, and marshalling
// arguments and results across that boundary when the bound function is
// invoked.
package bridge

import (
	"context"
	"sync"

	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// State is a bridge call's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateMarshalling
	StateChildScheduled
	StateChildCompleted
	StateChildFaulted
	StateResultsMarshalled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMarshalling:
		return "marshalling"
	case StateChildScheduled:
		return "child_scheduled"
	case StateChildCompleted:
		return "child_completed"
	case StateChildFaulted:
		return "child_faulted"
	case StateResultsMarshalled:
		return "results_marshalled"
	default:
		return "unknown"
	}
}

// transitions enumerates the only legal edges of the call state machine.
var transitions = map[State][]State{
	StateIdle:              {StateMarshalling},
	StateMarshalling:       {StateChildScheduled, StateChildFaulted},
	StateChildScheduled:    {StateChildCompleted, StateChildFaulted},
	StateChildCompleted:    {StateResultsMarshalled, StateChildFaulted},
	StateChildFaulted:      {StateIdle},
	StateResultsMarshalled: {StateIdle},
}

// callState tracks one in-flight bridge invocation and enforces the
// transitions above.
type callState struct {
	mu      sync.Mutex
	current State
}

func newCallState() *callState {
	return &callState{current: StateIdle}
}

func (c *callState) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, allowed := range transitions[c.current] {
		if allowed == to {
			c.current = to
			return nil
		}
	}
	return vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindChildFaulted).
		Detail("illegal bridge transition %s -> %s", c.current, to).Build()
}

// ChildRuntime is the subset of runtime.Runtime the bridge needs from a
// spawned child: a way to invoke one of its exported functions and get a
// result delivered asynchronously, a way to keep it alive, and access to
// its VM so a table-shaped result can be resolved before crossing back to
// the parent.
type ChildRuntime interface {
	// Invoke calls the function named by key (as returned from the
	// module's export table) with args, delivering the result to onDone
	// once the child Runtime's loop has produced it. onDone runs on the
	// child's driver goroutine.
	Invoke(ctx context.Context, key string, args []any, onDone func([]any, error))

	// Close releases the child Runtime. Called once the last Binding
	// referencing it is dropped.
	Close(ctx context.Context) error

	// VM exposes the child's VM so Call can marshal a table-shaped
	// result against the VM that actually owns it.
	VM() vmcontract.VM
}

// Binding owns a shared reference to a child Runtime and the key of the
// target function inside it. Dropping the last Binding to a child
// releases that child.
type Binding struct {
	mu    sync.Mutex
	child ChildRuntime
	key   string
	refs  *int
}

// NewBindingSet spawns a logical set of bindings sharing ownership of
// child via a shared reference count, one Binding per exported key.
func NewBindingSet(child ChildRuntime, keys []string) []*Binding {
	refs := len(keys)
	bindings := make([]*Binding, 0, len(keys))
	for _, k := range keys {
		bindings = append(bindings, &Binding{child: child, key: k, refs: &refs})
	}
	return bindings
}

// Drop releases this binding's share of the child Runtime, closing it
// once every sibling binding has also been dropped.
func (b *Binding) Drop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == nil {
		return nil
	}
	*b.refs--
	remaining := *b.refs
	b.refs = nil
	if remaining == 0 {
		return b.child.Close(ctx)
	}
	return nil
}

// Call marshals args — anchored in callerVM, on callerThread — into the
// child VM's shape, invokes the bound function, and marshals the result
// back against the child's own VM, driving callState through its full
// lifecycle. onDone is invoked once, with either results or an error,
// once the child has responded — callers (runtime.Runtime) use this to
// resume the yielded parent thread via a continuation.
func (b *Binding) Call(ctx context.Context, callerVM vmcontract.VM, callerThread vmcontract.Thread, args []any, onDone func([]any, error)) {
	state := newCallState()

	if err := state.transition(StateMarshalling); err != nil {
		onDone(nil, err)
		return
	}

	marshalled, err := MarshalAll(ctx, callerVM, callerThread, args)
	if err != nil {
		state.transition(StateChildFaulted)
		onDone(nil, err)
		return
	}

	if err := state.transition(StateChildScheduled); err != nil {
		onDone(nil, err)
		return
	}

	b.child.Invoke(ctx, b.key, marshalled, func(results []any, invokeErr error) {
		if invokeErr != nil {
			state.transition(StateChildFaulted)
			onDone(nil, vmerrors.ChildFaulted(invokeErr))
			return
		}
		if err := state.transition(StateChildCompleted); err != nil {
			onDone(nil, err)
			return
		}

		childVM := b.child.VM()
		marshalledResults, err := MarshalAll(ctx, childVM, childVM.MainThread(), results)
		if err != nil {
			state.transition(StateChildFaulted)
			onDone(nil, err)
			return
		}

		state.transition(StateResultsMarshalled)
		state.transition(StateIdle)
		onDone(marshalledResults, nil)
	})
}

// marshalDepthLimit bounds table recursion so a self-referential table is
// reported as UnmarshalableCycle rather than recursing forever.
const marshalDepthLimit = 64

// MarshalAll marshals a slice of values, one at a time, for a cross-VM
// bridge call. vm and t are the VM and thread that own any
// vmcontract.ValueRef among values — the caller-side VM for outbound
// args, the child's VM for inbound results.
func MarshalAll(ctx context.Context, vm vmcontract.VM, t vmcontract.Thread, values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		m, err := Marshal(ctx, vm, t, v, 0)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// Marshal copies a value for transfer across a VM boundary. nil, bool,
// number (float64), string, native tables (map[string]any), and
// vmcontract.ValueRef tables are supported, provided their transitive
// values are themselves marshalable; anything else fails with
// vmerrors.KindUnmarshalableValue. A ValueRef is resolved by walking its
// table via vm.TableKeys/vm.TableGet on t — the same mechanism
// runtime.spawnHostFunc uses to walk a spawned module's export table —
// since decodeValues always represents a guest table as a ValueRef,
// never as a native map, and nothing upstream of Marshal converts one to
// the other. Tables deeper than marshalDepthLimit fail with
// vmerrors.KindUnmarshalableCycle — no visited set is kept, so a table
// that contains itself (a Go map can, since maps are references) is only
// caught once its nesting passes that limit; depth stands in for cycle
// detection.
func Marshal(ctx context.Context, vm vmcontract.VM, t vmcontract.Thread, v any, depth int) (any, error) {
	if depth > marshalDepthLimit {
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindUnmarshalableCycle).
			Detail("table nesting exceeds %d levels", marshalDepthLimit).Build()
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case string:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			m, err := Marshal(ctx, vm, t, inner, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = m
		}
		return out, nil
	case vmcontract.ValueRef:
		keys, err := vm.TableKeys(ctx, t, val.Slot)
		if err != nil {
			return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindUnmarshalableValue).
				Detail("cannot read table contents across vm boundary").Cause(err).Build()
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			raw, err := vm.TableGet(ctx, t, val.Slot, k)
			if err != nil {
				return nil, err
			}
			m, err := Marshal(ctx, vm, t, raw, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = m
		}
		return out, nil
	default:
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindUnmarshalableValue).
			Detail("cannot marshal value of type %T across a vm boundary", v).Build()
	}
}
