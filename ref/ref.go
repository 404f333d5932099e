// Package ref provides Ref, a stable handle to a value owned by a script
// VM. A Ref anchors its value in the VM's registry so the VM's garbage
// collector cannot reclaim it while the host still holds it, and lets host
// code carry a reference to a VM value across a suspension point without
// holding a raw pointer into the VM.
package ref

import (
	"context"
	goruntime "runtime"
	"sync"

	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// Scheduler posts fn to run later on the goroutine that owns a VM. It is
// implemented by runtime.Runtime (via its Enqueue method); named here,
// rather than depending on the runtime package directly, to avoid an
// import cycle (runtime already imports ref).
type Scheduler interface {
	Enqueue(fn func())
}

// Ref is a (vm, registry slot) pair. It is only ever meaningful relative
// to the VM that created it; pushing it onto a different VM fails with
// vmerrors.WrongVM.
type Ref struct {
	mu      sync.Mutex
	vm      vmcontract.VM
	vmID    string
	slot    vmcontract.Slot
	thread  bool // true when this Ref anchors a Thread rather than a stack value
	dropped bool
	sched   Scheduler // when set, Drop posts the release through it instead of calling the VM inline
}

// finalize is the GC finalizer registered for every Ref: if a caller
// forgets to call Drop explicitly, the garbage collector calls it once
// the Ref becomes unreachable, so a leaked Ref still releases its slot.
func finalize(r *Ref) { r.Drop() }

// Capture stores the value currently at stackIndex on t's stack into vm's
// registry and returns a Ref to it. No copy of the underlying value is
// made; mutations visible in the VM are reflected through every Ref to it.
// sched, when non-nil, is where Drop posts the eventual release — callers
// in the runtime coordinator pass their own Runtime; a nil sched releases
// the slot directly on whatever goroutine calls Drop, which is only safe
// when the caller already guarantees that's the driver goroutine (as the
// standalone tests in this package do).
func Capture(ctx context.Context, vm vmcontract.VM, sched Scheduler, t vmcontract.Thread, stackIndex int) (*Ref, error) {
	slot, err := vm.RegistryStore(t, stackIndex)
	if err != nil {
		return nil, err
	}
	r := &Ref{vm: vm, vmID: vm.ID(), slot: slot, sched: sched}
	goruntime.SetFinalizer(r, finalize)
	return r, nil
}

// FromSlot adopts a slot the VM has already anchored on the host's behalf
// — typically one carried inside a vmcontract.ValueRef returned by Resume
// or a host function — rather than issuing a fresh RegistryStore call.
func FromSlot(vm vmcontract.VM, sched Scheduler, slot vmcontract.Slot) *Ref {
	r := &Ref{vm: vm, vmID: vm.ID(), slot: slot, sched: sched}
	goruntime.SetFinalizer(r, finalize)
	return r
}

// CaptureThread anchors target itself, the common case for a Ref used as
// a thread-continuation record in the runtime coordinator.
func CaptureThread(ctx context.Context, vm vmcontract.VM, sched Scheduler, target vmcontract.Thread) (*Ref, error) {
	slot, err := vm.CaptureThread(ctx, target)
	if err != nil {
		return nil, err
	}
	r := &Ref{vm: vm, vmID: vm.ID(), slot: slot, thread: true, sched: sched}
	goruntime.SetFinalizer(r, finalize)
	return r, nil
}

// Thread resolves a thread-Ref back to the vmcontract.Thread it anchors.
// It is an error to call Thread on a Ref created via Capture rather than
// CaptureThread; the coordinator treats that as vmerrors.KindNonThreadRef.
func (r *Ref) Thread() (vmcontract.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.thread {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).
			Detail("ref does not anchor a thread").Build()
	}
	t, ok := r.vm.ThreadFromSlot(r.slot)
	if !ok {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindNonThreadRef).
			Detail("thread ref slot no longer valid").Build()
	}
	return t, nil
}

// Push re-emits the stored value onto t's stack. t must belong to the same
// VM that created the Ref, or Push fails with vmerrors.WrongVM.
func (r *Ref) Push(t vmcontract.Thread, onVM vmcontract.VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped {
		return vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindWrongVM).
			Detail("push of dropped ref").Build()
	}
	if onVM.ID() != r.vmID {
		return vmerrors.WrongVM()
	}
	if !r.vm.RegistryLoad(t, r.slot) {
		return vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindWrongVM).
			Detail("ref slot no longer valid").Build()
	}
	return nil
}

// Slot exposes the underlying registry slot. Needed when re-emitting a
// cached value as a vmcontract.ValueRef without issuing a fresh
// RegistryStore call for what is already anchored.
func (r *Ref) Slot() vmcontract.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot
}

// VMID reports the identifier of the VM that created this Ref.
func (r *Ref) VMID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vmID
}

// Drop releases the registry slot. Safe to call more than once — only
// the first call has any effect — and safe to call from any goroutine,
// including a GC finalizer or a worker thread: when the Ref was captured
// with a Scheduler, the actual RegistryRelease is posted through it
// rather than run inline, since dropping may happen far from the
// goroutine that owns the VM. Without a Scheduler, the release runs
// immediately on the calling goroutine.
func (r *Ref) Drop() {
	r.mu.Lock()
	if r.dropped {
		r.mu.Unlock()
		return
	}
	r.dropped = true
	vm, slot, sched := r.vm, r.slot, r.sched
	r.mu.Unlock()

	if sched != nil {
		sched.Enqueue(func() { vm.RegistryRelease(slot) })
		return
	}
	vm.RegistryRelease(slot)
}
