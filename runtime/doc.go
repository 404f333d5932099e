// Package runtime implements the cooperative scheduler that coordinates
// one script VM: the continuation queue, the runningThreads deque, the
// require/spawn host globals, and the liveness bookkeeping that lets the
// driver loop block until genuinely idle instead of busy-spinning.
//
// A Runtime owns exactly one vmcontract.VM. Script threads suspend only at
// host functions that explicitly yield (net.getAsync, spawned bridge
// calls); everything else runs to completion inline within a single
// Resume call (the fs helpers included). The HTTP fetch of net.getAsync
// is dispatched to the shared workerpool.Pool, and a bridge call waits on
// the child Runtime's own driver loop; both report back through
// ScheduleError/ScheduleResume, which enqueue a continuation rather than
// touching the VM from whatever goroutine finished the work.
package runtime
