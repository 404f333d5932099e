// Package enginevm realizes vmcontract.VM on top of tetratelabs/wazero.
//
// The guest script interpreter itself is not implemented here — it is a
// precompiled WASM module, supplied by the caller, that exports the
// primitive operations a cooperative scripting VM needs: creating and
// resuming threads, loading chunks, and anchoring values in a registry.
// This package is the adapter between that module's export surface and
// the vmcontract.VM Go interface the runtime coordinator drives. wazero
// owns sandboxing and linear memory; this package owns marshalling
// primitive values across the host/guest boundary and mapping wazero
// errors onto vmerrors.
package enginevm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// Config configures a VM instance.
type Config struct {
	// Module is the precompiled guest interpreter binary.
	Module []byte

	// Hosts are the namespaced function tables (net, fs, and the
	// coordinator's own require/spawn globals) the guest module imports
	// by "namespace.name". They must be supplied at construction time:
	// per the VM contract, host modules are only visible to a module
	// compiled against an instance that already has them bound.
	Hosts []vmcontract.HostModule

	// MemoryLimitPages bounds linear memory (0 = wazero default).
	MemoryLimitPages uint32

	Logger *zap.Logger
}

// thread wraps the guest-assigned thread identifier the interpreter uses
// to index its own coroutine table.
type thread struct{ id uint64 }

func (t *thread) ID() uint64 { return t.id }

// VM adapts a wazero-instantiated guest interpreter to vmcontract.VM.
type VM struct {
	id      string
	log     *zap.Logger
	runtime wazero.Runtime
	mod     api.Module
	mem     api.Memory

	alloc     api.Function
	free      api.Function
	newThr    api.Function
	load      api.Function
	resume    api.Function
	regSet    api.Function
	regGet    api.Function
	regDel    api.Function
	tblKeys   api.Function
	tblGet    api.Function
	tblNew    api.Function
	tblSet    api.Function
	invokeRef api.Function
	bindBridge api.Function

	main *thread

	threadsMu sync.RWMutex
	threads   map[vmcontract.Slot]*thread

	closeOnce sync.Once
}

var idSeq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idSeq.Add(1))
}

// New compiles and instantiates the guest interpreter, then wires up the
// exported functions the VM contract needs.
func New(ctx context.Context, cfg Config) (*VM, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if err := bindHosts(ctx, rt, cfg.Hosts); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, cfg.Module)
	if err != nil {
		rt.Close(ctx)
		return nil, vmerrors.Wrap(vmerrors.PhaseModule, vmerrors.KindCompileError, err, "compile guest interpreter")
	}

	modCfg := wazero.NewModuleConfig().WithName(nextID("vm"))
	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		rt.Close(ctx)
		return nil, vmerrors.Wrap(vmerrors.PhaseModule, vmerrors.KindLoadError, err, "instantiate guest interpreter")
	}

	id := nextID("vm")
	v := &VM{
		id:      id,
		log:     log.With(zap.String("vm_id", id)),
		runtime: rt,
		mod:     mod,
		mem:     mod.Memory(),
	}

	for name, fn := range map[string]*api.Function{
		"alloc":            &v.alloc,
		"free":             &v.free,
		"thread_new":       &v.newThr,
		"chunk_load":       &v.load,
		"thread_resume":    &v.resume,
		"registry_store":   &v.regSet,
		"registry_load":    &v.regGet,
		"registry_release": &v.regDel,
		"table_keys":       &v.tblKeys,
		"table_get":        &v.tblGet,
		"table_new":        &v.tblNew,
		"table_set":        &v.tblSet,
		"invoke_ref":       &v.invokeRef,
		"bridge_bind":      &v.bindBridge,
	} {
		f := mod.ExportedFunction(name)
		if f == nil {
			rt.Close(ctx)
			return nil, vmerrors.New(vmerrors.PhaseModule, vmerrors.KindLoadError).
				Detail("guest interpreter does not export %q", name).Build()
		}
		*fn = f
	}

	v.main = &thread{id: 0}
	return v, nil
}

// bindHosts registers each configured HostModule as a wazero host module,
// namespaced by its Name, before the guest module is compiled — the guest
// module's imports resolve against these at instantiation time, so they
// must already exist in the runtime. A host function's signature is
// (threadID i64, argPtr i32, argLen i32) -> (status i32, resultPtr i32,
// resultLen i32). status distinguishes a normal return (hostStatusOK,
// result marshalled the same way Resume's results are) from a raised
// error (hostStatusError) and from a suspended caller (hostStatusSuspend,
// per vmcontract.ErrSuspend): the guest interpreter is expected to treat
// hostStatusSuspend by yielding the calling thread on the spot, to be
// resumed later through the ordinary thread_resume export once the
// coordinator delivers a continuation. Since the host module is built
// before the guest exists, a host function reads and writes through the
// *calling* module wazero hands its callback (always the guest, since
// only the guest calls into these) rather than through v, which is not
// constructed yet at bind time.
func bindHosts(ctx context.Context, rt wazero.Runtime, hosts []vmcontract.HostModule) error {
	for _, hm := range hosts {
		builder := rt.NewHostModuleBuilder(hm.Name)
		for name, fn := range hm.Functions {
			fn := fn
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(
					api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
						callHostFunc(ctx, mod, fn, stack)
					}),
					[]api.ValueType{api.ValueTypeI64, api.ValueTypeI32, api.ValueTypeI32},
					[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
				).
				Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return vmerrors.Wrap(vmerrors.PhaseModule, vmerrors.KindLoadError, err, "bind host module "+hm.Name)
		}
	}
	return nil
}

// Status words a host import's first result conveys to the guest.
const (
	hostStatusOK uint64 = iota
	hostStatusError
	hostStatusSuspend
)

// callHostFunc decodes the guest's argument buffer, invokes fn, and
// encodes its results back into guest memory. An error returned by fn
// surfaces as hostStatusError whose result is the error message as a
// single string. A marshalling failure surfaces as hostStatusError with
// an empty result; the coordinator is
// responsible for treating an unexpectedly empty error result as a
// generic failure at the call site.
func callHostFunc(ctx context.Context, mod api.Module, fn vmcontract.HostFunc, stack []uint64) {
	threadID := stack[0]
	argPtr, argLen := uint32(stack[1]), uint32(stack[2])
	mem := mod.Memory()

	var args []any
	if argLen > 0 {
		buf, ok := mem.Read(argPtr, argLen)
		if !ok {
			stack[0], stack[1], stack[2] = hostStatusError, 0, 0
			return
		}
		decoded, err := decodeValues(buf)
		if err != nil {
			stack[0], stack[1], stack[2] = hostStatusError, 0, 0
			return
		}
		args = decoded
	}

	results, err := fn(ctx, &thread{id: threadID}, args)
	status := hostStatusOK
	if err != nil {
		if errors.Is(err, vmcontract.ErrSuspend) {
			stack[0], stack[1], stack[2] = hostStatusSuspend, 0, 0
			return
		}
		status, results = hostStatusError, []any{err.Error()}
	}

	out := encodeValues(results)
	if len(out) == 0 {
		stack[0], stack[1], stack[2] = status, 0, 0
		return
	}
	allocFn := mod.ExportedFunction("alloc")
	res, err := allocFn.Call(ctx, uint64(len(out)))
	if err != nil {
		stack[0], stack[1], stack[2] = hostStatusError, 0, 0
		return
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, out) {
		stack[0], stack[1], stack[2] = hostStatusError, 0, 0
		return
	}
	stack[0], stack[1], stack[2] = status, uint64(ptr), uint64(len(out))
}

func (v *VM) ID() string                    { return v.id }
func (v *VM) MainThread() vmcontract.Thread { return v.main }

// NewThread calls the guest's thread_new export, which derives a fresh
// coroutine from the main coroutine and returns its thread id.
func (v *VM) NewThread(ctx context.Context) (vmcontract.Thread, error) {
	res, err := v.newThr.Call(ctx)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError, err, "create thread")
	}
	return &thread{id: res[0]}, nil
}

// Load writes chunkName and source into guest memory and calls chunk_load
// to compile them into t, ready to be resumed with zero arguments.
func (v *VM) Load(ctx context.Context, t vmcontract.Thread, chunkName, source string) error {
	th, ok := t.(*thread)
	if !ok {
		return vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Detail("not a vm thread").Build()
	}

	namePtr, nameLen, err := v.writeString(ctx, chunkName)
	if err != nil {
		return err
	}
	defer v.freeMem(ctx, namePtr, nameLen)

	srcPtr, srcLen, err := v.writeString(ctx, source)
	if err != nil {
		return err
	}
	defer v.freeMem(ctx, srcPtr, srcLen)

	res, err := v.load.Call(ctx, th.id, uint64(namePtr), uint64(nameLen), uint64(srcPtr), uint64(srcLen))
	if err != nil {
		return vmerrors.Wrap(vmerrors.PhaseModule, vmerrors.KindLoadError, err, "load chunk "+chunkName)
	}
	if res[0] != 0 {
		return vmerrors.New(vmerrors.PhaseModule, vmerrors.KindCompileError).
			Detail("compile chunk %s: guest interpreter returned status %d", chunkName, res[0]).Build()
	}
	return nil
}

// Resume calls the guest's thread_resume export. Arguments and results are
// limited to what encodeValues/decodeValues carry: nil, bool, number,
// string, and vmcontract.ValueRef references to values the guest already
// anchored.
func (v *VM) Resume(ctx context.Context, t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
	th, ok := t.(*thread)
	if !ok {
		return vmcontract.StatusError, nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}

	isError := uint64(0)
	var payload []any
	if errMsg != "" {
		isError = 1
		payload = []any{errMsg}
	} else {
		payload = args
	}

	ptr, length, err := v.writeValues(ctx, payload)
	if err != nil {
		return vmcontract.StatusError, nil, err
	}
	defer v.freeMem(ctx, ptr, length)

	res, err := v.resume.Call(ctx, th.id, isError, uint64(ptr), uint64(length))
	if err != nil {
		return vmcontract.StatusError, nil, vmerrors.Wrap(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError, err, "resume thread")
	}

	status := vmcontract.Status(res[0])
	resultPtr, resultLen := uint32(res[1]), uint32(res[2])
	values, err := v.readValues(ctx, resultPtr, resultLen)
	if err != nil {
		return vmcontract.StatusError, nil, err
	}
	return status, values, nil
}

func (v *VM) RegistryStore(t vmcontract.Thread, stackIndex int) (vmcontract.Slot, error) {
	th, ok := t.(*thread)
	if !ok {
		return 0, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	res, err := v.regSet.Call(context.Background(), th.id, uint64(stackIndex))
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError, err, "registry store")
	}
	return vmcontract.Slot(res[0]), nil
}

func (v *VM) RegistryLoad(t vmcontract.Thread, slot vmcontract.Slot) bool {
	th, ok := t.(*thread)
	if !ok {
		return false
	}
	res, err := v.regGet.Call(context.Background(), th.id, uint64(slot))
	if err != nil {
		return false
	}
	return res[0] != 0
}

func (v *VM) RegistryRelease(slot vmcontract.Slot) {
	v.threadsMu.Lock()
	delete(v.threads, slot)
	v.threadsMu.Unlock()
	v.regDel.Call(context.Background(), uint64(slot))
}

// CaptureThread anchors a thread handle on the host side. Unlike ordinary
// stack values, a thread is never marshalled across the host/guest memory
// boundary here — its identity is just the guest-assigned id the
// interpreter already uses internally, so "anchoring" it for GC purposes
// is a call into the guest's registry keyed by that id directly rather
// than a stack push.
func (v *VM) CaptureThread(ctx context.Context, t vmcontract.Thread) (vmcontract.Slot, error) {
	th, ok := t.(*thread)
	if !ok {
		return 0, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	res, err := v.regSet.Call(ctx, th.id, uint64(threadStackSentinel))
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError, err, "anchor thread")
	}

	v.threadsMu.Lock()
	if v.threads == nil {
		v.threads = make(map[vmcontract.Slot]*thread)
	}
	slot := vmcontract.Slot(res[0])
	v.threads[slot] = th
	v.threadsMu.Unlock()

	return slot, nil
}

// ThreadFromSlot resolves a slot previously returned by CaptureThread.
func (v *VM) ThreadFromSlot(slot vmcontract.Slot) (vmcontract.Thread, bool) {
	v.threadsMu.RLock()
	defer v.threadsMu.RUnlock()
	t, ok := v.threads[slot]
	return t, ok
}

// TableKeys calls the guest's table_keys export, which enumerates the
// string keys of the table anchored at slot and returns them encoded the
// same way Resume's results are.
func (v *VM) TableKeys(ctx context.Context, t vmcontract.Thread, slot vmcontract.Slot) ([]string, error) {
	th, ok := t.(*thread)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	res, err := v.tblKeys.Call(ctx, th.id, uint64(slot))
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.PhaseBridge, vmerrors.KindRuntimeError, err, "enumerate table keys")
	}
	values, err := v.readValues(ctx, uint32(res[0]), uint32(res[1]))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindRuntimeError).
				Detail("table_keys returned a non-string key").Build()
		}
		keys = append(keys, s)
	}
	return keys, nil
}

// TableGet calls the guest's table_get export to resolve table[key] for
// the table anchored at slot.
func (v *VM) TableGet(ctx context.Context, t vmcontract.Thread, slot vmcontract.Slot, key string) (any, error) {
	th, ok := t.(*thread)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	keyPtr, keyLen, err := v.writeString(ctx, key)
	if err != nil {
		return nil, err
	}
	defer v.freeMem(ctx, keyPtr, keyLen)

	res, err := v.tblGet.Call(ctx, th.id, uint64(slot), uint64(keyPtr), uint64(keyLen))
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.PhaseBridge, vmerrors.KindRuntimeError, err, "table get "+key)
	}
	values, err := v.readValues(ctx, uint32(res[0]), uint32(res[1]))
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

// InvokeRef calls the guest's invoke_ref export, resuming the callable
// anchored at slot with args exactly like Resume resumes a thread's own
// entry point.
func (v *VM) InvokeRef(ctx context.Context, t vmcontract.Thread, slot vmcontract.Slot, args []any) ([]any, error) {
	th, ok := t.(*thread)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	ptr, length, err := v.writeValues(ctx, args)
	if err != nil {
		return nil, err
	}
	defer v.freeMem(ctx, ptr, length)

	res, err := v.invokeRef.Call(ctx, th.id, uint64(slot), uint64(ptr), uint64(length))
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.PhaseBridge, vmerrors.KindRuntimeError, err, "invoke ref")
	}
	status := vmcontract.Status(res[0])
	values, err := v.readValues(ctx, uint32(res[1]), uint32(res[2]))
	if err != nil {
		return nil, err
	}
	if status != vmcontract.StatusOK {
		msg := "bridge-invoked function faulted"
		if len(values) > 0 {
			if s, ok := values[0].(string); ok {
				msg = s
			}
		}
		return nil, vmerrors.New(vmerrors.PhaseBridge, vmerrors.KindChildFaulted).Detail("%s", msg).Build()
	}
	return values, nil
}

// NewTable calls the guest's table_new export.
func (v *VM) NewTable(ctx context.Context, t vmcontract.Thread) (vmcontract.Slot, error) {
	th, ok := t.(*thread)
	if !ok {
		return 0, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	res, err := v.tblNew.Call(ctx, th.id)
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.PhaseBridge, vmerrors.KindRuntimeError, err, "create table")
	}
	return vmcontract.Slot(res[0]), nil
}

// TableSet calls the guest's table_set export to assign table[key].
func (v *VM) TableSet(ctx context.Context, t vmcontract.Thread, tableSlot vmcontract.Slot, key string, value any) error {
	th, ok := t.(*thread)
	if !ok {
		return vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	keyPtr, keyLen, err := v.writeString(ctx, key)
	if err != nil {
		return err
	}
	defer v.freeMem(ctx, keyPtr, keyLen)

	valPtr, valLen, err := v.writeValues(ctx, []any{value})
	if err != nil {
		return err
	}
	defer v.freeMem(ctx, valPtr, valLen)

	if _, err := v.tblSet.Call(ctx, th.id, uint64(tableSlot), uint64(keyPtr), uint64(keyLen), uint64(valPtr), uint64(valLen)); err != nil {
		return vmerrors.Wrap(vmerrors.PhaseBridge, vmerrors.KindRuntimeError, err, "table set "+key)
	}
	return nil
}

// BindBridge calls the guest's bridge_bind export, which creates a
// callable value that forwards invocation to the host's "host.invokeBridge"
// function with handle as a fixed first argument.
func (v *VM) BindBridge(ctx context.Context, t vmcontract.Thread, handle uint32) (vmcontract.Slot, error) {
	th, ok := t.(*thread)
	if !ok {
		return 0, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).Build()
	}
	res, err := v.bindBridge.Call(ctx, th.id, uint64(handle))
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.PhaseBridge, vmerrors.KindRuntimeError, err, "bind bridge function")
	}
	return vmcontract.Slot(res[0]), nil
}

// threadStackSentinel marks a registry_store call as anchoring a thread
// id rather than a stack index, since the two share the guest's
// registry_store export.
const threadStackSentinel = ^uint64(0)

func (v *VM) Close(ctx context.Context) error {
	var err error
	v.closeOnce.Do(func() {
		err = v.runtime.Close(ctx)
	})
	return err
}

// writeString allocates and writes a UTF-8 string into guest memory via
// the guest's alloc export, returning its pointer and length.
func (v *VM) writeString(ctx context.Context, s string) (uint32, uint32, error) {
	data := []byte(s)
	if len(data) == 0 {
		return 0, 0, nil
	}
	res, err := v.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, vmerrors.Wrap(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError, err, "guest alloc")
	}
	ptr := uint32(res[0])
	if !v.mem.Write(ptr, data) {
		return 0, 0, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).Detail("guest memory write out of range").Build()
	}
	return ptr, uint32(len(data)), nil
}

func (v *VM) freeMem(ctx context.Context, ptr, length uint32) {
	if length == 0 {
		return
	}
	v.free.Call(ctx, uint64(ptr), uint64(length))
}

// writeValues encodes a slice of marshalable values (nil, bool, number,
// string, vmcontract.ValueRef) into a flat guest-memory buffer understood
// by the interpreter's argument decoder.
func (v *VM) writeValues(ctx context.Context, values []any) (uint32, uint32, error) {
	buf := encodeValues(values)
	if len(buf) == 0 {
		return 0, 0, nil
	}
	res, err := v.alloc.Call(ctx, uint64(len(buf)))
	if err != nil {
		return 0, 0, vmerrors.Wrap(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError, err, "guest alloc")
	}
	ptr := uint32(res[0])
	if !v.mem.Write(ptr, buf) {
		return 0, 0, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).Detail("guest memory write out of range").Build()
	}
	return ptr, uint32(len(buf)), nil
}

func (v *VM) readValues(ctx context.Context, ptr, length uint32) ([]any, error) {
	if length == 0 {
		return nil, nil
	}
	buf, ok := v.mem.Read(ptr, length)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).Detail("guest memory read out of range").Build()
	}
	defer v.freeMem(ctx, ptr, length)
	return decodeValues(buf)
}

// encodeValues and decodeValues implement a minimal tagged wire format for
// the value shapes that cross the host/guest boundary: nil, bool,
// float64, string, and tagRef — an opaque reference to a value the guest
// already anchored in its own registry (a table, function, or thread that
// cannot be reduced to a primitive). tagRef carries only the slot number;
// the guest interpreter is responsible for re-pushing or re-anchoring the
// value it already owns at that slot when it decodes one. Composite
// values built from these primitives (e.g. cross-VM bridge tables) are
// handled a layer up by bridge.Marshal, not here.
const (
	tagNil byte = iota
	tagBool
	tagNumber
	tagString
	tagRef
)

func encodeValues(values []any) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, uint32(len(values)))
	for _, val := range values {
		switch t := val.(type) {
		case nil:
			out = append(out, tagNil)
		case bool:
			b := byte(0)
			if t {
				b = 1
			}
			out = append(out, tagBool, b)
		case float64:
			out = append(out, tagNumber)
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(t))
		case string:
			out = append(out, tagString)
			out = binary.LittleEndian.AppendUint32(out, uint32(len(t)))
			out = append(out, t...)
		case vmcontract.ValueRef:
			out = append(out, tagRef)
			out = binary.LittleEndian.AppendUint32(out, uint32(t.Slot))
		default:
			// Unreachable for values produced by the coordinator; treat
			// as nil rather than panic on an internal encoding mismatch.
			out = append(out, tagNil)
		}
	}
	return out
}

func decodeValues(buf []byte) ([]any, error) {
	if len(buf) < 4 {
		return nil, nil
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	values := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 1 {
			return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).Detail("truncated value buffer").Build()
		}
		tag := buf[0]
		buf = buf[1:]
		switch tag {
		case tagNil:
			values = append(values, nil)
		case tagBool:
			values = append(values, buf[0] != 0)
			buf = buf[1:]
		case tagNumber:
			values = append(values, math.Float64frombits(binary.LittleEndian.Uint64(buf)))
			buf = buf[8:]
		case tagString:
			n := binary.LittleEndian.Uint32(buf)
			buf = buf[4:]
			values = append(values, string(buf[:n]))
			buf = buf[n:]
		case tagRef:
			slot := binary.LittleEndian.Uint32(buf)
			buf = buf[4:]
			values = append(values, vmcontract.ValueRef{Slot: vmcontract.Slot(slot)})
		default:
			return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).Detail("unknown value tag %d", tag).Build()
		}
	}
	return values, nil
}
