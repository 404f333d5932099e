package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelvm/vmhost/ref"
	"github.com/kestrelvm/vmhost/vmcontract"
)

func newTestRuntime(t *testing.T, vm *fakeVM) *Runtime {
	t.Helper()
	r, err := New(context.Background(), Config{
		VMFactory: func(ctx context.Context, hosts []vmcontract.HostModule) (vmcontract.VM, error) {
			return vm, nil
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestRunToCompletion_MainThreadCompletesImmediately(t *testing.T) {
	vm := newFakeVM("vm-1")
	r := newTestRuntime(t, vm)

	if err := r.LoadSource(context.Background(), "@main.luau", "return", nil); err != nil {
		t.Fatalf("LoadSource failed: %v", err)
	}

	if ok := r.RunToCompletion(context.Background()); !ok {
		t.Fatal("RunToCompletion returned false")
	}
	running, continuations, pending := r.Stats()
	if running != 0 || continuations != 0 || pending != 0 {
		t.Fatalf("Stats = %d/%d/%d, want all zero", running, continuations, pending)
	}
}

func TestRunToCompletion_YieldThenComplete(t *testing.T) {
	vm := newFakeVM("vm-1")
	var calls atomic.Int32
	vm.resumeFunc = func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
		n := calls.Add(1)
		if n == 1 {
			return vmcontract.StatusYield, nil, nil
		}
		return vmcontract.StatusOK, nil, nil
	}
	r := newTestRuntime(t, vm)

	if err := r.LoadSource(context.Background(), "@main.luau", "return", nil); err != nil {
		t.Fatalf("LoadSource failed: %v", err)
	}
	if ok := r.RunToCompletion(context.Background()); !ok {
		t.Fatal("RunToCompletion returned false")
	}
	if calls.Load() != 2 {
		t.Fatalf("resume called %d times, want 2 (yield then complete)", calls.Load())
	}
}

func TestRunToCompletion_TopLevelYieldWithValuesIsFatal(t *testing.T) {
	vm := newFakeVM("vm-1")
	vm.resumeFunc = func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
		return vmcontract.StatusYield, []any{"unexpected"}, nil
	}
	r := newTestRuntime(t, vm)

	if err := r.LoadSource(context.Background(), "@main.luau", "return", nil); err != nil {
		t.Fatalf("LoadSource failed: %v", err)
	}
	if ok := r.RunToCompletion(context.Background()); ok {
		t.Fatal("RunToCompletion should fail when the top-level yield returns values")
	}
}

func TestRunToCompletion_ScriptErrorIsFatal(t *testing.T) {
	vm := newFakeVM("vm-1")
	vm.resumeFunc = func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
		return vmcontract.StatusError, []any{"boom"}, nil
	}
	r := newTestRuntime(t, vm)

	if err := r.LoadSource(context.Background(), "@main.luau", "return", nil); err != nil {
		t.Fatalf("LoadSource failed: %v", err)
	}
	if ok := r.RunToCompletion(context.Background()); ok {
		t.Fatal("RunToCompletion should fail when the script raises an error")
	}
}

func TestScheduleResume_DeliversArgsOnNextResume(t *testing.T) {
	vm := newFakeVM("vm-1")
	r := newTestRuntime(t, vm)

	var mu sync.Mutex
	var gotArgs []any
	var gotErrMsg string
	vm.resumeFunc = func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
		mu.Lock()
		gotArgs, gotErrMsg = args, errMsg
		mu.Unlock()
		return vmcontract.StatusOK, nil, nil
	}

	thread, err := vm.NewThread(context.Background())
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	threadRef, err := ref.CaptureThread(context.Background(), vm, r, thread)
	if err != nil {
		t.Fatalf("CaptureThread failed: %v", err)
	}

	r.ScheduleResume(threadRef, func() ([]any, error) { return []any{"result", float64(7)}, nil })

	if ok := r.RunToCompletion(context.Background()); !ok {
		t.Fatal("RunToCompletion returned false")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotErrMsg != "" {
		t.Errorf("errMsg = %q, want empty", gotErrMsg)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "result" || gotArgs[1] != float64(7) {
		t.Errorf("gotArgs = %#v, want [result 7]", gotArgs)
	}
}

func TestScheduleResume_BuilderFailureBecomesErrorResume(t *testing.T) {
	vm := newFakeVM("vm-1")
	r := newTestRuntime(t, vm)

	var mu sync.Mutex
	var gotErrMsg string
	var gotSuccess bool
	vm.resumeFunc = func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
		mu.Lock()
		gotErrMsg = errMsg
		gotSuccess = errMsg == ""
		mu.Unlock()
		return vmcontract.StatusOK, nil, nil
	}

	thread, _ := vm.NewThread(context.Background())
	threadRef, _ := ref.CaptureThread(context.Background(), vm, r, thread)

	r.ScheduleResume(threadRef, func() ([]any, error) { return nil, assertErr })

	r.RunToCompletion(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if gotSuccess {
		t.Error("expected an error resume when builder fails")
	}
	if gotErrMsg != assertErr.Error() {
		t.Errorf("errMsg = %q, want %q", gotErrMsg, assertErr.Error())
	}
}

func TestScheduleError_ResumesAsRaisedError(t *testing.T) {
	vm := newFakeVM("vm-1")
	r := newTestRuntime(t, vm)

	var mu sync.Mutex
	var gotErrMsg string
	vm.resumeFunc = func(t vmcontract.Thread, args []any, errMsg string) (vmcontract.Status, []any, error) {
		mu.Lock()
		gotErrMsg = errMsg
		mu.Unlock()
		return vmcontract.StatusOK, nil, nil
	}

	thread, _ := vm.NewThread(context.Background())
	threadRef, _ := ref.CaptureThread(context.Background(), vm, r, thread)

	r.ScheduleError(threadRef, "explicit failure")
	r.RunToCompletion(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if gotErrMsg != "explicit failure" {
		t.Errorf("errMsg = %q, want 'explicit failure'", gotErrMsg)
	}
}

func TestPendingToken_BlocksCompletionUntilReleased(t *testing.T) {
	vm := newFakeVM("vm-1")
	r := newTestRuntime(t, vm)

	r.AddPendingToken()
	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(released)
		r.ReleasePendingToken()
	}()

	start := time.Now()
	if ok := r.RunToCompletion(context.Background()); !ok {
		t.Fatal("RunToCompletion returned false")
	}
	select {
	case <-released:
	default:
		t.Fatal("RunToCompletion returned before the pending token was released")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("RunToCompletion returned suspiciously fast for a held pending token")
	}
}

func TestEnqueue_DropsContinuationsAfterClose(t *testing.T) {
	vm := newFakeVM("vm-1")
	r := newTestRuntime(t, vm)

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r.enqueue(func() {})
	_, continuations, _ := r.Stats()
	if continuations != 0 {
		t.Fatal("continuation posted after Close should be dropped, not queued")
	}
}

var assertErr = errTest("builder failed")

type errTest string

func (e errTest) Error() string { return string(e) }
