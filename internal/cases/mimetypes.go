package cases

import (
	"path/filepath"
	"strings"
)

// defaultMimeTypes covers common web types so results do not depend on the
// host's mime.types files.
var defaultMimeTypes = map[string]string{
	".aac":   "audio/aac",
	".apng":  "image/apng",
	".avif":  "image/avif",
	".bin":   "application/octet-stream",
	".bmp":   "image/bmp",
	".bz2":   "application/x-bzip2",
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".epub":  "application/epub+zip",
	".gif":   "image/gif",
	".gz":    "application/gzip",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".ics":   "text/calendar; charset=utf-8",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".oga":   "audio/ogg",
	".ogv":   "video/ogg",
	".opus":  "audio/opus",
	".otf":   "font/otf",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".tar":   "application/x-tar",
	".tif":   "image/tiff",
	".tiff":  "image/tiff",
	".ttf":   "font/ttf",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".wav":   "audio/wav",
	".webm":  "video/webm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xhtml": "application/xhtml+xml; charset=utf-8",
	".xml":   "application/xml; charset=utf-8",
	".zip":   "application/zip",
	".7z":    "application/x-7z-compressed",
}

const defaultOctetStreamMimeType = "application/octet-stream"

// MimeResolver maps file names to Content-Type values.
type MimeResolver struct {
	custom map[string]string
}

// NewMimeResolver returns a resolver consulting custom before the built-in table.
// Extension keys are matched case-insensitively.
func NewMimeResolver(custom map[string]string) *MimeResolver {
	m := make(map[string]string, len(custom))
	for ext, typ := range custom {
		m[strings.ToLower(ext)] = typ
	}
	return &MimeResolver{custom: m}
}

// TypeFor returns the Content-Type for filePath.
func (r *MimeResolver) TypeFor(filePath string) string {
	return ResolveMimeType(filepath.Ext(filePath), r.custom)
}

// ResolveMimeType determines the MIME type for an extension ("." included).
// Order: custom mappings, defaultMimeTypes, then application/octet-stream.
// The host's mime tables are not consulted.
func ResolveMimeType(extension string, custom map[string]string) string {
	if extension == "" {
		return defaultOctetStreamMimeType
	}
	ext := strings.ToLower(extension)

	if mimeType, ok := custom[ext]; ok {
		return mimeType
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	return defaultOctetStreamMimeType
}
