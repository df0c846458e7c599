package cases

import (
	"context"
	"path"

	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// DirectoryIndex serves a directory's index file. The file is resolved through
// the resolver like any other request path, so the response is the one the
// file itself would get: static content, or script output when the index file
// is a script.
type DirectoryIndex struct {
	res        *resolver.Resolver
	indexFiles []string
	static     *StaticFile
	script     *CGIExecute
	log        *logger.Logger
}

// NewDirectoryIndex returns the index case. script may be nil, in which case
// executable index files are not matched.
func NewDirectoryIndex(res *resolver.Resolver, indexFiles []string, static *StaticFile, script *CGIExecute, lg *logger.Logger) *DirectoryIndex {
	return &DirectoryIndex{
		res:        res,
		indexFiles: append([]string(nil), indexFiles...),
		static:     static,
		script:     script,
		log:        lg,
	}
}

func (d *DirectoryIndex) Name() string { return "DirectoryIndex" }

func (d *DirectoryIndex) Test(rp *resolver.ResolvedPath) bool {
	_, ok := d.find(rp)
	return ok
}

func (d *DirectoryIndex) Act(ctx context.Context, req *request.Request, rp *resolver.ResolvedPath) *response.Response {
	idx, ok := d.find(rp)
	if !ok {
		// Removed between Test and Act.
		return response.NotFound(rp.RequestPath)
	}
	d.log.Debug("Serving directory index", logger.LogFields{"dir": rp.AbsolutePath, "index": idx.AbsolutePath})
	if idx.IsExecutable {
		return d.script.Act(ctx, req, &idx)
	}
	return d.static.serveFile(req, &idx)
}

// find returns the first configured index file present in the directory.
func (d *DirectoryIndex) find(rp *resolver.ResolvedPath) (resolver.ResolvedPath, bool) {
	if rp.Kind != resolver.KindDirectory {
		return resolver.ResolvedPath{}, false
	}
	for _, name := range d.indexFiles {
		idx := d.res.Lookup(path.Join(rp.RequestPath, name))
		if idx.Kind != resolver.KindFile {
			continue
		}
		if idx.IsExecutable && d.script == nil {
			continue
		}
		return idx, true
	}
	return resolver.ResolvedPath{}, false
}
