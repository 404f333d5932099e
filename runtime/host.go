package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelvm/vmhost/ref"
	"github.com/kestrelvm/vmhost/vmcontract"
)

// wrapAsync rewraps the functions named in asyncNames so that, instead of
// running inline within the guest's call, they are dispatched through the
// worker pool and suspend the calling thread (vmcontract.ErrSuspend) until
// the work completes. Every other function in hm passes through
// unchanged.
func (r *Runtime) wrapAsync(hm vmcontract.HostModule, asyncNames []string) vmcontract.HostModule {
	async := make(map[string]bool, len(asyncNames))
	for _, n := range asyncNames {
		async[n] = true
	}

	wrapped := vmcontract.HostModule{Name: hm.Name, Functions: make(map[string]vmcontract.HostFunc, len(hm.Functions))}
	for name, fn := range hm.Functions {
		name, fn := name, fn
		if !async[name] {
			wrapped.Functions[name] = fn
			continue
		}
		wrapped.Functions[name] = func(ctx context.Context, t vmcontract.Thread, args []any) ([]any, error) {
			threadRef, err := ref.CaptureThread(ctx, r.vm, r, t)
			if err != nil {
				return nil, err
			}
			r.AddPendingToken()
			r.RunInWorkQueue(ctx, func(ctx context.Context) {
				defer r.ReleasePendingToken()
				results, err := fn(ctx, t, args)
				if err != nil {
					r.log.Info("async host call failed", zap.String("function", hm.Name+"."+name), zap.Error(err))
					r.ScheduleError(threadRef, err.Error())
					return
				}
				r.log.Debug("async host call completed", zap.String("function", hm.Name+"."+name))
				r.ScheduleResume(threadRef, func() ([]any, error) { return results, nil })
			})
			return nil, vmcontract.ErrSuspend
		}
	}
	return wrapped
}
