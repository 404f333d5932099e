// Package resolver turns a module specifier, plus the chunk-name context
// of whatever required it, into an absolute identifier and loaded source
// text. It is consulted by the require and spawn host functions on every
// call; a cache probe lets a require cache hit skip the filesystem.
package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrelvm/vmhost/vmerrors"
)

// Status describes how a ResolvedRequire was produced.
type Status int

const (
	StatusCached Status = iota
	StatusFileRead
	StatusNotFound
	StatusError
)

// ResolvedRequire is the result of resolving a module specifier.
type ResolvedRequire struct {
	AbsolutePath string
	Identifier   string // AbsolutePath prefixed with "@"
	Source       string
	Status       Status
}

// candidateExtensions is the deterministic probe order appended to the
// requested path, whether or not it already has an extension.
var candidateExtensions = []string{"", ".luau", ".lua"}

// CacheProbe reports whether identifier already has a cached value. The
// resolver calls this before touching the filesystem so a cache hit never
// costs a stat call.
type CacheProbe func(identifier string) bool

// Resolver resolves require() specifiers relative to a caller's chunk
// name, which is a string whose leading byte is "@" for a filesystem path
// or "=" for a synthetic origin such as "=stdin".
type Resolver struct {
	// AllowRequire gates whether requires are permitted at all; when nil,
	// requires are always allowed.
	AllowRequire func(spec string) bool
}

// New returns a Resolver with default policy (requires always allowed).
func New() *Resolver {
	return &Resolver{}
}

// Resolve resolves spec as required from callerChunkName, consulting
// cached to short-circuit on a cache hit.
func (r *Resolver) Resolve(spec, callerChunkName string, cached CacheProbe) (*ResolvedRequire, error) {
	if r.AllowRequire != nil && !r.AllowRequire(spec) {
		return nil, vmerrors.Disallowed(vmerrors.PhaseResolve, "require of "+spec+" is disallowed")
	}

	baseDir, err := baseDirOf(callerChunkName)
	if err != nil {
		return nil, err
	}

	normalized := filepath.Clean(filepath.Join(baseDir, spec))
	identifier := "@" + normalized

	if cached != nil && cached(identifier) {
		return &ResolvedRequire{
			AbsolutePath: normalized,
			Identifier:   identifier,
			Status:       StatusCached,
		}, nil
	}

	path, err := probeCandidates(normalized)
	if err != nil {
		var verr *vmerrors.Error
		if errors.As(err, &verr) && verr.Kind == vmerrors.KindNotFound {
			return &ResolvedRequire{AbsolutePath: normalized, Identifier: identifier, Status: StatusNotFound}, err
		}
		return nil, err
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerrors.IOError(vmerrors.PhaseResolve, "read "+path, err)
	}

	return &ResolvedRequire{
		AbsolutePath: normalized,
		Identifier:   identifier,
		Source:       string(source),
		Status:       StatusFileRead,
	}, nil
}

// baseDirOf derives the directory requests from callerChunkName are
// joined against.
func baseDirOf(callerChunkName string) (string, error) {
	if callerChunkName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", vmerrors.IOError(vmerrors.PhaseResolve, "getwd", err)
		}
		return wd, nil
	}

	prefix, rest := callerChunkName[0], callerChunkName[1:]
	switch prefix {
	case '@':
		if rest == "stdin" {
			wd, err := os.Getwd()
			if err != nil {
				return "", vmerrors.IOError(vmerrors.PhaseResolve, "getwd", err)
			}
			return wd, nil
		}
		return filepath.Dir(rest), nil
	case '=':
		wd, err := os.Getwd()
		if err != nil {
			return "", vmerrors.IOError(vmerrors.PhaseResolve, "getwd", err)
		}
		return wd, nil
	default:
		return filepath.Dir(callerChunkName), nil
	}
}

// probeCandidates tries base, base+".luau", base+".lua" as one tier, then
// base+"/init.luau", base+"/init.lua" as a second tier, stopping at the
// first tier that yields any match. Every candidate within a tier is
// stat'd, so a tier with more than one existing regular file is reported
// as vmerrors.Ambiguous rather than silently resolved to whichever
// extension happened to be tried first.
func probeCandidates(base string) (string, error) {
	if path, err := firstTierMatch(base, candidateExtensions); path != "" || err != nil {
		return path, err
	}

	if path, err := firstTierMatch(base, []string{"/init.luau", "/init.lua"}); path != "" || err != nil {
		return path, err
	}

	return "", vmerrors.NotFound(vmerrors.PhaseResolve, "module", base)
}

// firstTierMatch stats base+suffix for every suffix in tier and returns
// the sole match, vmerrors.Ambiguous if more than one suffix matched, or
// ("", nil) if none did.
func firstTierMatch(base string, tier []string) (string, error) {
	var matches []string
	for _, suffix := range tier {
		candidate := base + suffix
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", vmerrors.Ambiguous(vmerrors.PhaseResolve, base, matches)
	}
}

// StripInterfacePrefix strips the leading "@" (filesystem chunk) or "="
// (synthetic chunk) marker from a module identifier, for callers that
// want to log it without the internal chunk-name prefix.
func StripInterfacePrefix(identifier string) string {
	return strings.TrimPrefix(strings.TrimPrefix(identifier, "@"), "=")
}
