package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelvm/vmhost/ref"
	"github.com/kestrelvm/vmhost/resolver"
	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// globalHostModule binds the "require" and "spawn" globals scripts call
// directly (not through a namespaced table, unlike net/fs). Namespacing
// them under "host" keeps the wazero import names unambiguous; the guest
// interpreter's own global table is expected to alias host.require and
// host.spawn to the bare identifiers scripts use.
func (r *Runtime) globalHostModule() vmcontract.HostModule {
	return vmcontract.HostModule{
		Name: "host",
		Functions: map[string]vmcontract.HostFunc{
			"require":      r.requireHostFunc,
			"spawn":        r.spawnHostFunc,
			"invokeBridge": r.invokeBridgeHostFunc,
		},
	}
}

// requireHostFunc implements the require(spec) global: resolve, check the
// module cache, and on a miss compile-and-run the module on a fresh
// thread off the main coroutine. Per §4.4, a module's top level must not
// yield, so this entire call completes synchronously within the host
// function — there is no suspension to coordinate, and therefore no need
// to guard against a second concurrent require of the same identifier:
// the cooperative scheduler cannot run another thread until this one
// returns.
func (r *Runtime) requireHostFunc(ctx context.Context, t vmcontract.Thread, args []any) ([]any, error) {
	spec, err := stringArg(args, 0, "require")
	if err != nil {
		return nil, err
	}
	callerChunk := r.threadChunk[t.ID()]

	resolved, err := r.resolve.Resolve(spec, callerChunk, func(identifier string) bool {
		_, ok := r.moduleCache[identifier]
		return ok
	})
	if err != nil {
		return nil, err
	}

	if cached, ok := r.moduleCache[resolved.Identifier]; ok {
		r.log.Debug("require cache hit", zap.String("identifier", resolver.StripInterfacePrefix(resolved.Identifier)))
		return []any{vmcontract.ValueRef{Slot: cached.Slot()}}, nil
	}

	moduleThread, err := r.vm.NewThread(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.vm.Load(ctx, moduleThread, resolved.Identifier, resolved.Source); err != nil {
		return nil, err
	}
	r.threadChunk[moduleThread.ID()] = resolved.Identifier
	defer delete(r.threadChunk, moduleThread.ID())

	result, err := runModuleEntry(ctx, r.vm, moduleThread)
	if err != nil {
		r.log.Info("require failed", zap.String("identifier", resolver.StripInterfacePrefix(resolved.Identifier)), zap.Error(err))
		return nil, err
	}
	r.log.Info("require resolved", zap.String("identifier", resolver.StripInterfacePrefix(resolved.Identifier)))
	r.moduleCache[resolved.Identifier] = ref.FromSlot(r.vm, r, result.Slot)
	return []any{result}, nil
}

// runModuleEntry resumes a freshly loaded thread as a module's top level
// and validates its result against §4.4: the module must run to
// completion without yielding and return at least one value, the first
// of which must be a VM-anchored reference (a table or function) rather
// than a primitive; further values are ignored. Shared by requireHostFunc (a module thread off the Runtime's
// own VM) and spawnHostFunc (a child Runtime's main thread).
func runModuleEntry(ctx context.Context, vm vmcontract.VM, t vmcontract.Thread) (vmcontract.ValueRef, error) {
	status, values, err := vm.Resume(ctx, t, nil, "")
	if err != nil {
		return vmcontract.ValueRef{}, err
	}

	switch status {
	case vmcontract.StatusOK:
		if len(values) == 0 {
			return vmcontract.ValueRef{}, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindNoReturnValue).
				Detail("module must return a value").Build()
		}
		result, ok := values[0].(vmcontract.ValueRef)
		if !ok {
			return vmcontract.ValueRef{}, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindBadReturnValue).
				Detail("module must return a table or function").Build()
		}
		return result, nil

	case vmcontract.StatusYield:
		return vmcontract.ValueRef{}, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindUnexpectedYield).
			Detail("module can not yield").Build()

	default:
		if len(values) == 0 {
			return vmcontract.ValueRef{}, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindUnknownError).
				Detail("unknown error while running module").Build()
		}
		msg, ok := values[0].(string)
		if !ok {
			return vmcontract.ValueRef{}, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindUnknownError).
				Detail("unknown error while running module").Build()
		}
		return vmcontract.ValueRef{}, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindRuntimeError).Detail("%s", msg).Build()
	}
}

func stringArg(args []any, idx int, fn string) (string, error) {
	if idx >= len(args) {
		return "", vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).
			Detail("%s: missing argument %d", fn, idx).Build()
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).
			Detail("%s: argument %d must be a string", fn, idx).Build()
	}
	return s, nil
}
