// Package cases holds the per-request handling strategies and the chain that
// picks exactly one of them for each resolved path.
package cases

import (
	"context"

	"example.com/casehttpd/internal/cgi"
	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// Case is one handling strategy. Test must be side-effect free apart from
// filesystem lookups; Act always returns a complete Response.
type Case interface {
	Name() string
	Test(rp *resolver.ResolvedPath) bool
	Act(ctx context.Context, req *request.Request, rp *resolver.ResolvedPath) *response.Response
}

// ScriptRunner executes a script invocation. *cgi.Runner implements it.
type ScriptRunner interface {
	Run(ctx context.Context, inv *cgi.Invocation) (*cgi.Result, error)
}

// Options configures the standard chain.
type Options struct {
	IndexFiles            []string
	ServeDirectoryListing bool
	// MimeTypes overrides the built-in extension table.
	MimeTypes map[string]string
	// ServerName is reported to scripts when the request has no Host header.
	ServerName string
	ServerPort string
}

// NewStandardChain builds the fixed chain: CGIExecute, StaticFile,
// DirectoryIndex, DirectoryListing, NotFound.
func NewStandardChain(res *resolver.Resolver, runner ScriptRunner, opts Options, lg *logger.Logger) *Chain {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	script := NewCGIExecute(res, runner, opts.ServerName, opts.ServerPort, lg)
	static := NewStaticFile(NewMimeResolver(opts.MimeTypes), lg)
	index := NewDirectoryIndex(res, opts.IndexFiles, static, script, lg)
	listing := NewDirectoryListing(index, opts.ServeDirectoryListing, lg)
	return NewChain(lg, script, static, index, listing, NotFound{})
}
