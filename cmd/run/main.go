package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrelvm/vmhost/enginevm"
	"github.com/kestrelvm/vmhost/runtime"
	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/workerpool"
)

const usage = `Usage: run [options] file... [-- arg...]

Runs one or more scripts, each in its own Runtime, to completion.

Options:
  -h, --help             show this help and exit
  --interpreter PATH      path to the compiled script interpreter core (required)
  --log-level LEVEL       debug|info|warn|error (default info)
  -i, --interactive       launch the interactive TUI for a single script file

Anything after "--" is passed to the script as its program arguments.
`

type options struct {
	files       []string
	scriptArgv  []string
	logLevel    string
	interpreter string
	interactive bool
	help        bool
}

func parseArgs(args []string) (*options, error) {
	opts := &options{logLevel: "info"}

	i := 0
	for ; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			i++
			break
		}
		switch {
		case a == "-h" || a == "--help":
			opts.help = true
			return opts, nil
		case a == "-i" || a == "--interactive":
			opts.interactive = true
		case a == "--log-level":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--log-level requires a value")
			}
			opts.logLevel = args[i]
		case strings.HasPrefix(a, "--log-level="):
			opts.logLevel = strings.TrimPrefix(a, "--log-level=")
		case a == "--interpreter":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("--interpreter requires a value")
			}
			opts.interpreter = args[i]
		case strings.HasPrefix(a, "--interpreter="):
			opts.interpreter = strings.TrimPrefix(a, "--interpreter=")
		case a != "-" && strings.HasPrefix(a, "-"):
			return nil, fmt.Errorf("unknown option %q", a)
		default:
			opts.files = append(opts.files, a)
		}
	}
	opts.scriptArgv = append(opts.scriptArgv, args[i:]...)
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if opts.help {
		fmt.Print(usage)
		os.Exit(0)
	}
	if len(opts.files) == 0 {
		fmt.Fprintln(os.Stderr, "no script files given")
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if env := os.Getenv("QUEIJOHOST_LOG_LEVEL"); env != "" {
		opts.logLevel = env
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if opts.interpreter == "" {
		fmt.Fprintln(os.Stderr, "--interpreter is required: path to the compiled script interpreter core")
		os.Exit(1)
	}
	interpreter, err := os.ReadFile(opts.interpreter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read interpreter: %v\n", err)
		os.Exit(1)
	}

	if opts.interactive {
		if len(opts.files) != 1 {
			fmt.Fprintln(os.Stderr, "-i/--interactive takes exactly one script file")
			os.Exit(1)
		}
		if err := runInteractive(interpreter, opts.files[0], opts.scriptArgv, level); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := newConsoleLogger(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	// One pool shared across every script's Runtime (matching
	// workerpool.Pool's "process-wide, not per-Runtime" contract) and
	// across the batch itself: Group runs every file's script
	// concurrently rather than one at a time, failing the batch (and the
	// process exit code) if any file's run comes back unclean.
	pool := workerpool.New(max(4, len(opts.files)))

	ok := true
	results := make([]bool, len(opts.files))
	tasks := make([]func(ctx context.Context) error, len(opts.files))
	for i, file := range opts.files {
		i, file := i, file
		tasks[i] = func(ctx context.Context) error {
			results[i] = runFile(ctx, interpreter, file, opts.scriptArgv, logger, pool)
			if !results[i] {
				return fmt.Errorf("%s: script did not complete cleanly", file)
			}
			return nil
		}
	}
	if err := pool.Group(ctx, tasks...); err != nil {
		ok = false
	}
	if !ok {
		os.Exit(1)
	}
}

func runFile(ctx context.Context, interpreter []byte, path string, argv []string, logger *zap.Logger, pool *workerpool.Pool) bool {
	rt, err := runtime.New(ctx, runtime.Config{
		VMFactory: vmFactory(interpreter, logger),
		Logger:    logger,
		Pool:      pool,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return false
	}
	defer rt.Close(ctx)

	if err := rt.LoadFile(ctx, path, argv); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return false
	}
	return rt.RunToCompletion(ctx)
}

// vmFactory closes over the interpreter core's bytes so every Runtime
// spawn() creates (and the top-level one) realizes its VM against the
// same compiled guest module.
func vmFactory(interpreter []byte, logger *zap.Logger) runtime.VMFactory {
	return func(ctx context.Context, hosts []vmcontract.HostModule) (vmcontract.VM, error) {
		return enginevm.New(ctx, enginevm.Config{Module: interpreter, Hosts: hosts, Logger: logger})
	}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid --log-level %q", level)
	}
}

func newConsoleLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return cfg.Build()
}
