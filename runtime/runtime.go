package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kestrelvm/vmhost/hostmodule"
	"github.com/kestrelvm/vmhost/ref"
	"github.com/kestrelvm/vmhost/resolver"
	"github.com/kestrelvm/vmhost/resource"
	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
	"github.com/kestrelvm/vmhost/workerpool"
)

// VMFactory constructs the vmcontract.VM a Runtime drives, given the host
// modules (require/spawn globals, net, fs, and any caller-supplied
// extras) that must be bound before the guest module is instantiated.
type VMFactory func(ctx context.Context, hosts []vmcontract.HostModule) (vmcontract.VM, error)

// Config configures a new Runtime.
type Config struct {
	VMFactory VMFactory

	// Pool is the process-wide worker pool async host functions dispatch
	// to. Shared across every Runtime in the process; when nil, New
	// creates a private one sized for a single script.
	Pool *workerpool.Pool

	// Resolver resolves require() specifiers. When nil, New uses
	// resolver.New() (requires always allowed).
	Resolver *resolver.Resolver

	Logger *zap.Logger

	// NetClient is the *http.Client the "net" host module uses. When
	// nil, hostmodule.NewNet supplies its own default.
	NetClient *http.Client

	// ExtraHosts are additional host modules bound alongside the
	// built-in require/spawn globals, net, and fs.
	ExtraHosts []vmcontract.HostModule
}

// threadToContinue is a queued resume: the thread to resume, whether it
// is a success or error resume, and the payload for whichever it is.
type threadToContinue struct {
	ref    *ref.Ref
	success bool
	args   []any
	errMsg string
}

const bridgeBindingTypeID uint32 = 1

var idSeq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idSeq.Add(1))
}

// Runtime owns one VM and drives its cooperative thread scheduler.
type Runtime struct {
	id  string
	log *zap.Logger

	vm        vmcontract.VM
	pool      *workerpool.Pool
	resolve   *resolver.Resolver
	resources *resource.UnifiedTable

	// vmFactory and netClient are retained (rather than only used inside
	// New) so spawnHostFunc can build a child Runtime wired the same way
	// as this one, down to the same VM implementation and net client.
	vmFactory  VMFactory
	netClient  *http.Client
	extraHosts []vmcontract.HostModule

	mu             sync.Mutex
	cond           *sync.Cond
	continuations  []func()
	runningThreads []threadToContinue
	pendingTokens  int64
	terminated     bool

	// moduleCache maps an absolute module identifier to the Ref anchoring
	// its returned value. Only ever touched on the driver goroutine,
	// since require never suspends (module top-level code may not
	// yield).
	moduleCache map[string]*ref.Ref

	// threadChunk records which chunk identifier a thread was loaded
	// under, so a nested require() can resolve relative to its own
	// caller rather than the file that started the Runtime.
	threadChunk map[uint64]string

	childrenMu sync.Mutex
	children   []*Runtime
}

// New constructs a Runtime: it builds the built-in host modules (the
// require/spawn globals, net, fs, and any ExtraHosts), then asks
// cfg.VMFactory to build the VM they will be bound into.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = workerpool.New(4)
	}
	resolve := cfg.Resolver
	if resolve == nil {
		resolve = resolver.New()
	}
	if cfg.VMFactory == nil {
		return nil, vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).
			Detail("runtime.Config.VMFactory is required").Build()
	}

	id := nextID("rt")
	r := &Runtime{
		id:          id,
		log:         log.With(zap.String("runtime_id", id)),
		pool:        pool,
		resolve:     resolve,
		resources:   resource.NewTable(),
		moduleCache: make(map[string]*ref.Ref),
		threadChunk: make(map[uint64]string),
		vmFactory:   cfg.VMFactory,
		netClient:   cfg.NetClient,
		extraHosts:  cfg.ExtraHosts,
	}
	r.cond = sync.NewCond(&r.mu)

	hosts := append([]vmcontract.HostModule{
		r.globalHostModule(),
		r.wrapAsync(hostmodule.NewNet(cfg.NetClient), hostmodule.NetAsyncFunctions()),
		hostmodule.NewFS(),
	}, cfg.ExtraHosts...)

	vm, err := cfg.VMFactory(ctx, hosts)
	if err != nil {
		return nil, err
	}
	r.vm = vm
	r.threadChunk[vm.MainThread().ID()] = ""

	return r, nil
}

// ID identifies this Runtime, primarily for logging.
func (r *Runtime) ID() string { return r.id }

// VM exposes the underlying VM, primarily for the interactive TUI and
// tests that need direct access to the contract.
func (r *Runtime) VM() vmcontract.VM { return r.vm }

// Stats reports a snapshot of the driver loop's queues: how many threads
// are waiting for their turn, how many continuations are queued to run
// before the next one is picked up, and how many pending tokens are
// outstanding. Intended for the interactive TUI; the snapshot is stale
// the instant the lock is released.
func (r *Runtime) Stats() (running, continuations int, pendingTokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runningThreads), len(r.continuations), r.pendingTokens
}

// LoadFile reads path, compiles it under a "@"-prefixed chunk name onto
// the VM's main thread, and schedules it to run with argv as its initial
// resume arguments (the program arguments named in §6's CLI surface). It
// does not itself drive the loop — call RunToCompletion afterward.
func (r *Runtime) LoadFile(ctx context.Context, path string, argv []string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return vmerrors.IOError(vmerrors.PhaseModule, "read "+path, err)
	}
	return r.LoadSource(ctx, "@"+path, string(source), argv)
}

// LoadSource compiles source under chunkName onto the main thread and
// schedules its first resume with argv as arguments.
func (r *Runtime) LoadSource(ctx context.Context, chunkName, source string, argv []string) error {
	main := r.vm.MainThread()
	if err := r.vm.Load(ctx, main, chunkName, source); err != nil {
		return err
	}
	r.threadChunk[main.ID()] = chunkName

	mainRef, err := ref.CaptureThread(ctx, r.vm, r, main)
	if err != nil {
		return err
	}

	args := make([]any, len(argv))
	for i, a := range argv {
		args[i] = a
	}

	r.mu.Lock()
	r.runningThreads = append(r.runningThreads, threadToContinue{ref: mainRef, success: true, args: args})
	r.mu.Unlock()
	return nil
}

// RunToCompletion drives the cooperative loop until runningThreads and
// the continuation queue are both empty and no pending tokens remain. It
// returns false if a thread resume produced a fatal (non-OK, non-YIELD)
// status.
func (r *Runtime) RunToCompletion(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		for len(r.continuations) > 0 {
			batch := r.continuations
			r.continuations = nil
			r.mu.Unlock()
			for _, c := range batch {
				c()
			}
			r.mu.Lock()
		}

		if len(r.runningThreads) == 0 {
			if r.pendingTokens == 0 {
				return true
			}
			r.cond.Wait()
			continue
		}

		next := r.runningThreads[0]
		r.runningThreads = r.runningThreads[1:]
		r.mu.Unlock()

		ok := r.resumeOne(ctx, next)

		r.mu.Lock()
		if !ok {
			return false
		}
	}
}

// RunContinuously keeps the loop alive (via a held pending token) until
// stop closes, for a child Runtime whose driver goroutine should persist
// across multiple spawn-bound calls rather than exiting the moment it is
// momentarily idle.
func (r *Runtime) RunContinuously(ctx context.Context, stop <-chan struct{}) bool {
	r.AddPendingToken()
	go func() {
		<-stop
		r.ReleasePendingToken()
	}()
	return r.RunToCompletion(ctx)
}

// resumeOne resumes the thread named by tc and interprets its status.
func (r *Runtime) resumeOne(ctx context.Context, tc threadToContinue) bool {
	th, err := tc.ref.Thread()
	if err != nil {
		r.log.Error("resume target is not a valid thread ref", zap.Error(err))
		return false
	}

	var status vmcontract.Status
	var values []any
	if tc.success {
		status, values, err = r.vm.Resume(ctx, th, tc.args, "")
	} else {
		status, values, err = r.vm.Resume(ctx, th, nil, tc.errMsg)
	}
	if err != nil {
		r.log.Error("resume call failed", zap.Error(err))
		return false
	}

	switch status {
	case vmcontract.StatusOK:
		if th.ID() != r.vm.MainThread().ID() {
			delete(r.threadChunk, th.ID())
			tc.ref.Drop()
		}
		return true

	case vmcontract.StatusYield:
		if th.ID() == r.vm.MainThread().ID() && len(values) > 0 {
			r.log.Error(vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindTopLevelYieldReturnedValues).
				Detail("Top level yield cannot return any results").Build().Error())
			return false
		}
		r.mu.Lock()
		r.runningThreads = append(r.runningThreads, threadToContinue{ref: tc.ref, success: true})
		r.mu.Unlock()
		return true

	default:
		msg := "unknown error while running script"
		if len(values) > 0 {
			if s, ok := values[0].(string); ok {
				msg = s
			}
		}
		r.log.Error("script thread raised a fatal error", zap.String("message", msg))
		return false
	}
}

// ScheduleError enqueues a continuation that resumes threadRef with msg
// as a raised error, once drained.
func (r *Runtime) ScheduleError(threadRef *ref.Ref, msg string) {
	r.enqueue(func() {
		r.mu.Lock()
		r.runningThreads = append(r.runningThreads, threadToContinue{ref: threadRef, success: false, errMsg: msg})
		r.mu.Unlock()
	})
}

// ScheduleResume enqueues a continuation that calls builder to produce
// the resume's argument values and then resumes threadRef with them. If
// builder fails, threadRef is instead resumed as a raised error.
func (r *Runtime) ScheduleResume(threadRef *ref.Ref, builder func() ([]any, error)) {
	r.enqueue(func() {
		values, err := builder()
		r.mu.Lock()
		if err != nil {
			r.runningThreads = append(r.runningThreads, threadToContinue{ref: threadRef, success: false, errMsg: err.Error()})
		} else {
			r.runningThreads = append(r.runningThreads, threadToContinue{ref: threadRef, success: true, args: values})
		}
		r.mu.Unlock()
	})
}

// enqueue posts fn to the continuation queue and wakes the driver loop.
// A continuation posted after the Runtime has been closed is dropped,
// since the VM it would touch no longer exists.
func (r *Runtime) enqueue(fn func()) {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	r.continuations = append(r.continuations, fn)
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Enqueue implements ref.Scheduler: every Ref anchored in this Runtime's
// VM is captured with r as its scheduler, so a Ref dropped from a worker
// goroutine (or a GC finalizer) releases its slot here, on the driver
// goroutine, rather than touching the VM from whatever goroutine called
// Drop.
func (r *Runtime) Enqueue(fn func()) {
	r.enqueue(fn)
}

// RunInWorkQueue submits fn to the shared worker pool. fn must not touch
// the VM; it exists to do blocking work off the driver goroutine.
func (r *Runtime) RunInWorkQueue(ctx context.Context, fn func(ctx context.Context)) {
	r.pool.Submit(ctx, func(ctx context.Context) (any, error) {
		fn(ctx)
		return nil, nil
	}, func(any, error) {})
}

// AddPendingToken marks one outstanding off-thread activity that may
// later enqueue a continuation, preventing RunToCompletion from declaring
// the loop idle.
func (r *Runtime) AddPendingToken() {
	r.mu.Lock()
	r.pendingTokens++
	r.mu.Unlock()
}

// ReleasePendingToken releases a token acquired by AddPendingToken.
func (r *Runtime) ReleasePendingToken() {
	r.mu.Lock()
	r.pendingTokens--
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Close tears down the Runtime: it marks it terminated so further
// continuations are dropped, waits for the shared pool to drain
// outstanding tasks so nothing later posts into a destroyed VM, then
// closes every child Runtime, the resource table, and finally the VM
// itself.
//
// Because the pool is process-wide, Wait blocks on every Runtime's
// outstanding tasks, not just this one's — acceptable for a host that
// closes Runtimes at process shutdown, conservative otherwise.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.terminated = true
	r.mu.Unlock()
	r.cond.Broadcast()

	r.pool.Wait()

	r.childrenMu.Lock()
	children := r.children
	r.children = nil
	r.childrenMu.Unlock()
	for _, c := range children {
		c.Close(ctx)
	}

	r.resources.Close()
	return r.vm.Close(ctx)
}

// adoptChild records child as owned by r, so Close tears it down too.
func (r *Runtime) adoptChild(child *Runtime) {
	r.childrenMu.Lock()
	r.children = append(r.children, child)
	r.childrenMu.Unlock()
}
