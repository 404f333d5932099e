package hostmodule

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// NewNet returns the "net" host module: get (synchronous) and getAsync
// (yields; the runtime coordinator is responsible for recognizing this as
// an async function and wiring its suspension/resume, per
// workerpool.Pool and the AsyncWorkBridge pattern).
func NewNet(client *http.Client) vmcontract.HostModule {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return vmcontract.HostModule{
		Name: "net",
		Functions: map[string]vmcontract.HostFunc{
			"get": func(ctx context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
				url, err := stringArg(args, 0, "get")
				if err != nil {
					return nil, err
				}
				body, err := fetch(ctx, client, url)
				if err != nil {
					return nil, err
				}
				return []any{body}, nil
			},
			// getAsync has the identical body — the distinction between
			// synchronous and suspending is made by the runtime
			// coordinator, which dispatches async-tagged functions
			// through workerpool.Pool and yields the calling thread
			// rather than calling this function inline.
			"getAsync": func(ctx context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
				url, err := stringArg(args, 0, "getAsync")
				if err != nil {
					return nil, err
				}
				body, err := fetch(ctx, client, url)
				if err != nil {
					return nil, err
				}
				return []any{body}, nil
			},
		},
	}
}

// NetAsyncFunctions names the net module's functions that must be dispatched
// through the worker pool rather than called inline.
func NetAsyncFunctions() []string {
	return []string{"getAsync"}
}

func fetch(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.PhaseAsync, vmerrors.KindTaskFailed, err, "build request for "+url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", vmerrors.TaskFailed(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", vmerrors.TaskFailed(err)
	}
	if resp.StatusCode >= 400 {
		return "", vmerrors.New(vmerrors.PhaseAsync, vmerrors.KindTaskFailed).
			Detail("%s: http %d", url, resp.StatusCode).Build()
	}
	return string(body), nil
}

func stringArg(args []any, idx int, fn string) (string, error) {
	if idx >= len(args) {
		return "", vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).
			Detail("net.%s: missing argument %d", fn, idx).Build()
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", vmerrors.New(vmerrors.PhaseRuntime, vmerrors.KindRuntimeError).
			Detail("net.%s: argument %d must be a string", fn, idx).Build()
	}
	return s, nil
}
