package cases

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// StaticFile serves regular, non-script files.
type StaticFile struct {
	mime *MimeResolver
	log  *logger.Logger
}

// NewStaticFile returns the static file case.
func NewStaticFile(mime *MimeResolver, lg *logger.Logger) *StaticFile {
	if mime == nil {
		mime = NewMimeResolver(nil)
	}
	return &StaticFile{mime: mime, log: lg}
}

func (s *StaticFile) Name() string { return "StaticFile" }

func (s *StaticFile) Test(rp *resolver.ResolvedPath) bool {
	return rp.Kind == resolver.KindFile && !rp.IsExecutable
}

func (s *StaticFile) Act(_ context.Context, req *request.Request, rp *resolver.ResolvedPath) *response.Response {
	return s.serveFile(req, rp)
}

// serveFile reads the whole file. rp.RequestPath is what a failure reports, so
// callers serving an index file pass the index file's own ResolvedPath.
func (s *StaticFile) serveFile(req *request.Request, rp *resolver.ResolvedPath) *response.Response {
	fi := rp.Info
	if fi == nil {
		var err error
		if fi, err = os.Stat(rp.AbsolutePath); err != nil {
			s.log.Warn("Stat failed for static file", logger.LogFields{"path": rp.AbsolutePath, "error": err})
			return response.NotFound(rp.RequestPath)
		}
	}

	etag := generateETag(fi)
	lastModified := fi.ModTime().UTC().Format(http.TimeFormat)

	if req != nil && checkConditionalRequests(req.Header, fi, etag) {
		s.log.Debug("Sending 304 Not Modified", logger.LogFields{"path": rp.AbsolutePath, "etag": etag})
		return response.New(http.StatusNotModified, []response.HeaderField{
			{Name: "ETag", Value: etag},
			{Name: "Last-Modified", Value: lastModified},
		}, nil)
	}

	data, err := os.ReadFile(rp.AbsolutePath)
	if err != nil {
		s.log.Warn("Failed to read static file", logger.LogFields{"path": rp.AbsolutePath, "error": err})
		return response.NotFound(rp.RequestPath)
	}

	return response.New(http.StatusOK, []response.HeaderField{
		{Name: "Content-Type", Value: s.mime.TypeFor(rp.AbsolutePath)},
		{Name: "Last-Modified", Value: lastModified},
		{Name: "ETag", Value: etag},
	}, data)
}

// generateETag creates a strong ETag from size and modification time.
// Format: "<size_hex>-<modtime_unixnano_hex>"
func generateETag(fi fs.FileInfo) string {
	return fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
}

// checkConditionalRequests reports whether a 304 should be sent. If-None-Match
// takes precedence; If-Modified-Since is only consulted without it.
func checkConditionalRequests(h http.Header, fi fs.FileInfo, etag string) bool {
	if inm := h.Get("If-None-Match"); inm != "" {
		if strings.TrimSpace(inm) == "*" {
			return true
		}
		// Weak comparison: W/ prefixes are ignored on both sides.
		serverTag := strings.Trim(etag, "\"")
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			candidate = strings.TrimPrefix(candidate, "W/")
			if strings.Trim(candidate, "\"") == serverTag {
				return true
			}
		}
		return false
	}

	if ims := h.Get("If-Modified-Since"); ims != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		modTime := fi.ModTime().Truncate(time.Second)
		return !modTime.After(since.Truncate(time.Second))
	}
	return false
}
