// Package vmhost is a multi-VM scripting runtime host.
//
// Embedded user scripts run inside isolated script virtual machines. The
// host coordinates their execution, module resolution, asynchronous I/O,
// and calls that cross VM boundaries. The hard parts live in a small
// number of packages:
//
//	vmcontract/  the contract an embedded script VM must satisfy
//	enginevm/    a wazero-backed realization of that contract
//	resource/    the free-list handle table holding spawn's bridge bindings
//	ref/         stable, VM-anchored handles to VM-owned values
//	runtime/     the cooperative scheduler: continuations, runningThreads,
//	             require, spawn
//	resolver/    module specifier -> absolute identifier + source
//	workerpool/  the process-wide pool blocking host calls dispatch to
//	bridge/      cross-VM call marshalling and the call state machine
//	hostmodule/  the net and fs tables exposed to scripts
//	vmerrors/    the structured Phase x Kind error taxonomy
//
// # Quick start
//
//	ctx := context.Background()
//	// newVM is a runtime.VMFactory, e.g. one built on enginevm.New.
//	rt, err := runtime.New(ctx, runtime.Config{VMFactory: newVM, Logger: logger})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.LoadFile(ctx, "main.luau", os.Args[1:]); err != nil {
//	    log.Fatal(err)
//	}
//	if !rt.RunToCompletion(ctx) {
//	    os.Exit(1)
//	}
//
// # Thread safety
//
// A Runtime drives exactly one VM on its own goroutine; nothing else may
// touch that VM directly. workerpool tasks and cross-VM bridges reach
// back into a Runtime only through its continuation queue.
package vmhost
