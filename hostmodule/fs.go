package hostmodule

import (
	"context"
	"os"

	"github.com/kestrelvm/vmhost/vmcontract"
	"github.com/kestrelvm/vmhost/vmerrors"
)

// NewFS returns the "fs" host module: synchronous filesystem helpers.
// Every function here runs on the calling thread's own Runtime goroutine
// rather than the worker pool — filesystem calls are treated as fast
// enough not to warrant suspension.
func NewFS() vmcontract.HostModule {
	return vmcontract.HostModule{
		Name: "fs",
		Functions: map[string]vmcontract.HostFunc{
			"readFile":   fsReadFile,
			"writeFile":  fsWriteFile,
			"readDir":    fsReadDir,
			"removeFile": fsRemoveFile,
			"metadata":   fsMetadata,
		},
	}
}

func fsReadFile(_ context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
	path, err := stringArg(args, 0, "readFile")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerrors.IOError(vmerrors.PhaseRuntime, "fs.readFile "+path, err)
	}
	return []any{string(data)}, nil
}

func fsWriteFile(_ context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
	path, err := stringArg(args, 0, "writeFile")
	if err != nil {
		return nil, err
	}
	contents, err := stringArg(args, 1, "writeFile")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return nil, vmerrors.IOError(vmerrors.PhaseRuntime, "fs.writeFile "+path, err)
	}
	return nil, nil
}

func fsReadDir(_ context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
	path, err := stringArg(args, 0, "readDir")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, vmerrors.IOError(vmerrors.PhaseRuntime, "fs.readDir "+path, err)
	}
	names := make([]any, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func fsRemoveFile(_ context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
	path, err := stringArg(args, 0, "removeFile")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, vmerrors.IOError(vmerrors.PhaseRuntime, "fs.removeFile "+path, err)
	}
	return nil, nil
}

func fsMetadata(_ context.Context, _ vmcontract.Thread, args []any) ([]any, error) {
	path, err := stringArg(args, 0, "metadata")
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, vmerrors.IOError(vmerrors.PhaseRuntime, "fs.metadata "+path, err)
	}
	// Three values rather than a table: the host/guest value channel
	// carries nil, bool, number, string, and references to values the
	// guest already owns, but not a table built on the host side.
	return []any{
		float64(info.Size()),
		info.IsDir(),
		float64(info.ModTime().Unix()),
	}, nil
}
