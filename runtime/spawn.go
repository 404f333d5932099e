package runtime

import (
	"context"
	"fmt"

	"github.com/kestrelvm/vmhost/bridge"
	"github.com/kestrelvm/vmhost/ref"
	"github.com/kestrelvm/vmhost/resource"
	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// childHandle adapts a spawned child Runtime to bridge.ChildRuntime: it
// resolves an export key to the function slot captured at spawn time and
// drives the call on the child's own driver goroutine by posting it as a
// continuation, rather than touching the child VM from whatever goroutine
// the parent's bridge call happens to be running on.
type childHandle struct {
	child    *Runtime
	stop     chan struct{}
	exported map[string]vmcontract.Slot
}

func (h *childHandle) Invoke(ctx context.Context, key string, args []any, onDone func([]any, error)) {
	h.child.enqueue(func() {
		slot, ok := h.exported[key]
		if !ok {
			onDone(nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindChildFaulted).
				Detail("spawned module has no export %q", key).Build())
			return
		}
		results, err := h.child.vm.InvokeRef(ctx, h.child.vm.MainThread(), slot, args)
		onDone(results, err)
	})
}

func (h *childHandle) Close(ctx context.Context) error {
	close(h.stop)
	return h.child.Close(ctx)
}

func (h *childHandle) VM() vmcontract.VM {
	return h.child.vm
}

// spawnHostFunc implements the spawn(moduleSpec) global: resolve, load the
// module into a brand new Runtime (never the cache require() uses — every
// spawn gets its own VM), validate it returned a table of functions (per
// §4.6 this is stricter than require's "table or function"), then bind
// one host.invokeBridge-backed callable per exported key into a table
// returned to the caller. Like requireHostFunc, the module-loading step
// runs synchronously: the new Runtime has no other threads yet, so there
// is nothing else for the scheduler to do while it loads.
func (r *Runtime) spawnHostFunc(ctx context.Context, t vmcontract.Thread, args []any) ([]any, error) {
	spec, err := stringArg(args, 0, "spawn")
	if err != nil {
		return nil, err
	}
	callerChunk := r.threadChunk[t.ID()]

	resolved, err := r.resolve.Resolve(spec, callerChunk, func(string) bool { return false })
	if err != nil {
		return nil, err
	}

	child, err := New(ctx, Config{
		VMFactory:  r.vmFactory,
		Pool:       r.pool,
		Resolver:   r.resolve,
		Logger:     r.log,
		NetClient:  r.netClient,
		ExtraHosts: r.extraHosts,
	})
	if err != nil {
		return nil, err
	}

	main := child.vm.MainThread()
	if err := child.vm.Load(ctx, main, resolved.Identifier, resolved.Source); err != nil {
		child.Close(ctx)
		return nil, err
	}
	child.threadChunk[main.ID()] = resolved.Identifier

	result, err := runModuleEntry(ctx, child.vm, main)
	if err != nil {
		child.Close(ctx)
		return nil, fmt.Errorf("Failed to spawn, target module error: %w", err)
	}

	keys, err := child.vm.TableKeys(ctx, main, result.Slot)
	if err != nil {
		child.Close(ctx)
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindBadReturnValue).
			Detail("spawned module must return a table of functions").Cause(err).Build()
	}

	exported := make(map[string]vmcontract.Slot, len(keys))
	for _, key := range keys {
		val, err := child.vm.TableGet(ctx, main, result.Slot, key)
		if err != nil {
			child.Close(ctx)
			return nil, err
		}
		fnRef, ok := val.(vmcontract.ValueRef)
		if !ok {
			child.Close(ctx)
			return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindBadReturnValue).
				Detail("spawned module export %q is not a function", key).Build()
		}
		exported[key] = fnRef.Slot
	}

	stop := make(chan struct{})
	handle := &childHandle{child: child, stop: stop, exported: exported}
	go child.RunContinuously(ctx, stop)
	r.adoptChild(child)

	bindings := bridge.NewBindingSet(handle, keys)

	tableSlot, err := r.vm.NewTable(ctx, t)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		resHandle := r.resources.Insert(bridgeBindingTypeID, bindings[i])
		fnSlot, err := r.vm.BindBridge(ctx, t, uint32(resHandle))
		if err != nil {
			return nil, err
		}
		if err := r.vm.TableSet(ctx, t, tableSlot, key, vmcontract.ValueRef{Slot: fnSlot}); err != nil {
			return nil, err
		}
	}

	return []any{vmcontract.ValueRef{Slot: tableSlot}}, nil
}

// invokeBridgeHostFunc is what a bridge-bound callable's guest stub
// forwards to when a script calls it: args[0] is the numeric resource
// handle BindBridge baked into the stub, the rest are the call's own
// arguments. It resolves the handle to the *bridge.Binding spawnHostFunc
// registered, dispatches the cross-VM call, and suspends the calling
// thread until the child Runtime responds.
func (r *Runtime) invokeBridgeHostFunc(ctx context.Context, t vmcontract.Thread, args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindRuntimeError).
			Detail("invokeBridge: missing handle argument").Build()
	}
	handleVal, ok := args[0].(float64)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindRuntimeError).
			Detail("invokeBridge: handle must be a number").Build()
	}

	value, ok := r.resources.GetTyped(resource.Handle(uint32(handleVal)), bridgeBindingTypeID)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindChildFaulted).
			Detail("invokeBridge: unknown binding handle").Build()
	}
	binding := value.(*bridge.Binding)

	threadRef, err := ref.CaptureThread(ctx, r.vm, r, t)
	if err != nil {
		return nil, err
	}

	r.AddPendingToken()
	binding.Call(ctx, r.vm, t, args[1:], func(results []any, callErr error) {
		defer r.ReleasePendingToken()
		if callErr != nil {
			r.ScheduleError(threadRef, callErr.Error())
			return
		}
		r.ScheduleResume(threadRef, func() ([]any, error) { return results, nil })
	})
	return nil, vmcontract.ErrSuspend
}
