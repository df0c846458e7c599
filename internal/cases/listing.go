package cases

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

const listingTimeFormat = "2006-01-02 15:04"

// DirectoryListing renders an HTML index of a directory without an index file.
type DirectoryListing struct {
	index   *DirectoryIndex
	enabled bool
	log     *logger.Logger
}

// NewDirectoryListing returns the listing case. index decides whether a
// directory has an index file and so belongs to DirectoryIndex instead.
func NewDirectoryListing(index *DirectoryIndex, enabled bool, lg *logger.Logger) *DirectoryListing {
	return &DirectoryListing{index: index, enabled: enabled, log: lg}
}

func (l *DirectoryListing) Name() string { return "DirectoryListing" }

func (l *DirectoryListing) Test(rp *resolver.ResolvedPath) bool {
	if !l.enabled || rp.Kind != resolver.KindDirectory {
		return false
	}
	if l.index != nil {
		if _, ok := l.index.find(rp); ok {
			return false
		}
	}
	return true
}

func (l *DirectoryListing) Act(_ context.Context, _ *request.Request, rp *resolver.ResolvedPath) *response.Response {
	body, err := l.render(rp)
	if err != nil {
		l.log.Warn("Failed to read directory for listing", logger.LogFields{"path": rp.AbsolutePath, "error": err})
		return response.NotFound(rp.RequestPath)
	}
	return response.New(http.StatusOK, []response.HeaderField{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
	}, body)
}

// render lists the immediate children of rp, sorted by name.
func (l *DirectoryListing) render(rp *resolver.ResolvedPath) ([]byte, error) {
	entries, err := os.ReadDir(rp.AbsolutePath)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", rp.AbsolutePath, err)
	}

	// Cleaning collapses "//" so no href becomes protocol-relative.
	base := escapePath(strings.TrimSuffix(path.Clean("/"+rp.RequestPath), "/"))
	title := html.EscapeString(rp.RequestPath)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>Index of %s</title>\n</head>\n<body>\n", title)
	fmt.Fprintf(&sb, "<h1>Index of %s</h1>\n<hr>\n<table>\n", title)
	sb.WriteString("<tr><th>Name</th><th>Last modified</th><th>Size</th></tr>\n")

	for _, entry := range entries {
		name := entry.Name()
		href := html.EscapeString(base + "/" + url.PathEscape(name))
		display := html.EscapeString(name)

		modified, size := "?", "?"
		if fi, err := entry.Info(); err == nil {
			modified = fi.ModTime().UTC().Format(listingTimeFormat)
			if fi.IsDir() {
				size = "-"
			} else {
				size = humanize.Bytes(uint64(fi.Size()))
			}
		} else {
			l.log.Debug("Could not stat directory entry", logger.LogFields{"entry": name, "error": err})
		}
		if entry.IsDir() {
			display += "/"
		}
		fmt.Fprintf(&sb, "<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>\n", href, display, modified, size)
	}

	sb.WriteString("</table>\n<hr>\n</body>\n</html>\n")
	return []byte(sb.String()), nil
}

// escapePath percent-encodes each segment of a slash-separated path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
