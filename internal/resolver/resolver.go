// Package resolver maps request targets onto the document root and classifies
// what they point at.
package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies a resolved path.
type Kind int

const (
	KindMissing Kind = iota
	KindFile
	KindDirectory
	KindDenied
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindDenied:
		return "denied"
	default:
		return "missing"
	}
}

// ResolvedPath is the outcome of resolving one request target.
type ResolvedPath struct {
	// AbsolutePath is the symlink-free location on disk. For KindFile and
	// KindDirectory it is the root or a descendant of it.
	AbsolutePath string
	Kind         Kind
	IsExecutable bool
	// RequestPath is the decoded URL path, always starting with "/".
	RequestPath string
	// Info is set for KindFile and KindDirectory.
	Info fs.FileInfo
}

// Options controls script detection.
type Options struct {
	// ScriptsEnabled turns script detection on. When off nothing is executable.
	ScriptsEnabled bool
	// Interpreters maps lower-case extensions (".py") to interpreters.
	Interpreters map[string]string
	// ExecuteBitScripts marks files the process may execute as scripts.
	ExecuteBitScripts bool
}

// Resolver confines request paths beneath a document root.
type Resolver struct {
	root string
	opts Options
}

// New returns a Resolver for root, which must be an existing directory.
// Symlinks in root itself are resolved once here.
func New(root string, opts Options) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving document root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving document root %q: %w", root, err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("document root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("document root %q is not a directory", root)
	}
	interp := make(map[string]string, len(opts.Interpreters))
	for ext, prog := range opts.Interpreters {
		interp[strings.ToLower(ext)] = prog
	}
	opts.Interpreters = interp
	return &Resolver{root: resolved, opts: opts}, nil
}

// Root returns the absolute, symlink-free document root.
func (r *Resolver) Root() string { return r.root }

// Interpreter returns the interpreter configured for path's extension, if any.
func (r *Resolver) Interpreter(path string) (string, bool) {
	prog, ok := r.opts.Interpreters[strings.ToLower(filepath.Ext(path))]
	return prog, ok
}

// Contains reports whether path is the root or lies beneath it.
func (r *Resolver) Contains(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Resolve classifies target. It never returns an error: anything that cannot be
// served safely is KindDenied and anything absent is KindMissing.
func (r *Resolver) Resolve(target string) ResolvedPath {
	p := target
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	decoded, err := url.PathUnescape(p)
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return ResolvedPath{Kind: KindMissing, RequestPath: p}
	}
	return r.Lookup(decoded)
}

// Lookup classifies an already decoded request path. A missing leading slash
// is added.
func (r *Resolver) Lookup(requestPath string) ResolvedPath {
	if !strings.HasPrefix(requestPath, "/") {
		requestPath = "/" + requestPath
	}
	rp := ResolvedPath{RequestPath: requestPath}
	if strings.IndexByte(requestPath, 0) >= 0 {
		rp.Kind = KindMissing
		return rp
	}

	joined := filepath.Join(r.root, filepath.FromSlash(requestPath))
	if !r.Contains(joined) {
		rp.Kind = KindDenied
		return rp
	}
	rp.AbsolutePath = joined

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		rp.Kind = classifyErr(err)
		return rp
	}
	if !r.Contains(resolved) {
		rp.Kind = KindDenied
		return rp
	}
	rp.AbsolutePath = resolved

	fi, err := os.Stat(resolved)
	if err != nil {
		rp.Kind = classifyErr(err)
		return rp
	}
	switch {
	case fi.IsDir():
		rp.Kind = KindDirectory
	case fi.Mode().IsRegular():
		rp.Kind = KindFile
		rp.IsExecutable = r.isScript(resolved, fi)
	default:
		rp.Kind = KindDenied
		return rp
	}
	rp.Info = fi
	return rp
}

func (r *Resolver) isScript(path string, fi fs.FileInfo) bool {
	if !r.opts.ScriptsEnabled {
		return false
	}
	if _, ok := r.Interpreter(path); ok {
		return true
	}
	return r.opts.ExecuteBitScripts && canExecute(path, fi)
}

func classifyErr(err error) Kind {
	if errors.Is(err, fs.ErrNotExist) || isNotDir(err) {
		return KindMissing
	}
	return KindDenied
}
