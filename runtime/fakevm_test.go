package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/kestrelvm/vmhost/vmcontract"
)

// fakeThread is the minimal vmcontract.Thread used by these tests.
type fakeThread struct{ id uint64 }

func (t *fakeThread) ID() uint64 { return t.id }

type fakeTable struct {
	data map[string]any
}

// fakeVM is an in-memory vmcontract.VM stand-in. Resume behavior is fully
// scripted per test via resumeFunc so these tests can exercise the
// coordinator's scheduling logic without a real embedded script VM.
type fakeVM struct {
	mu sync.Mutex

	idStr        string
	main         *fakeThread
	nextThreadID uint64
	nextSlot     vmcontract.Slot

	tables  map[vmcontract.Slot]*fakeTable
	threads map[vmcontract.Slot]vmcontract.Thread
	funcs   map[vmcontract.Slot]func([]any) ([]any, error)

	resumeFunc func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error)
}

func newFakeVM(id string) *fakeVM {
	return &fakeVM{
		idStr:   id,
		main:    &fakeThread{id: 0},
		tables:  map[vmcontract.Slot]*fakeTable{},
		threads: map[vmcontract.Slot]vmcontract.Thread{},
		funcs:   map[vmcontract.Slot]func([]any) ([]any, error){},
		resumeFunc: func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
			return vmcontract.StatusOK, nil, nil
		},
	}
}

func (v *fakeVM) ID() string                    { return v.idStr }
func (v *fakeVM) MainThread() vmcontract.Thread { return v.main }

func (v *fakeVM) NewThread(ctx context.Context) (vmcontract.Thread, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextThreadID++
	return &fakeThread{id: v.nextThreadID}, nil
}

func (v *fakeVM) Load(ctx context.Context, t vmcontract.Thread, chunkName, source string) error {
	return nil
}

func (v *fakeVM) Resume(ctx context.Context, t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
	v.mu.Lock()
	fn := v.resumeFunc
	v.mu.Unlock()
	return fn(t, args, errMsg)
}

func (v *fakeVM) RegistryStore(t vmcontract.Thread, stackIndex int) (vmcontract.Slot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextSlot++
	return v.nextSlot, nil
}

func (v *fakeVM) RegistryLoad(t vmcontract.Thread, slot vmcontract.Slot) bool { return true }

func (v *fakeVM) RegistryRelease(slot vmcontract.Slot) {}

func (v *fakeVM) CaptureThread(ctx context.Context, t vmcontract.Thread) (vmcontract.Slot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextSlot++
	v.threads[v.nextSlot] = t
	return v.nextSlot, nil
}

func (v *fakeVM) ThreadFromSlot(slot vmcontract.Slot) (vmcontract.Thread, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.threads[slot]
	return t, ok
}

func (v *fakeVM) TableKeys(ctx context.Context, t vmcontract.Thread, slot vmcontract.Slot) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tbl := v.tables[slot]
	keys := make([]string, 0, len(tbl.data))
	for k := range tbl.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *fakeVM) TableGet(ctx context.Context, t vmcontract.Thread, slot vmcontract.Slot, key string) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tables[slot].data[key], nil
}

func (v *fakeVM) InvokeRef(ctx context.Context, t vmcontract.Thread, slot vmcontract.Slot, args []any) ([]any, error) {
	v.mu.Lock()
	fn := v.funcs[slot]
	v.mu.Unlock()
	return fn(args)
}

func (v *fakeVM) NewTable(ctx context.Context, t vmcontract.Thread) (vmcontract.Slot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextSlot++
	v.tables[v.nextSlot] = &fakeTable{data: map[string]any{}}
	return v.nextSlot, nil
}

func (v *fakeVM) TableSet(ctx context.Context, t vmcontract.Thread, tableSlot vmcontract.Slot, key string, value any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tables[tableSlot].data[key] = value
	return nil
}

func (v *fakeVM) BindBridge(ctx context.Context, t vmcontract.Thread, handle uint32) (vmcontract.Slot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextSlot++
	return v.nextSlot, nil
}

func (v *fakeVM) Close(ctx context.Context) error { return nil }
