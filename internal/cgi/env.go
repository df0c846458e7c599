package cgi

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// environ builds the script environment: the CGI/1.1 meta-variables, one
// HTTP_* variable per request header and the configured pass-through variables.
func (r *Runner) environ(inv *Invocation) []string {
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_SOFTWARE":   r.opts.ServerSoftware,
		"SERVER_NAME":       inv.ServerName,
		"SERVER_PORT":       inv.ServerPort,
		"SERVER_PROTOCOL":   inv.Protocol,
		"REQUEST_METHOD":    inv.Method,
		"PATH_INFO":         inv.PathInfo,
		"SCRIPT_NAME":       inv.ScriptName,
		"SCRIPT_FILENAME":   inv.ScriptPath,
		"QUERY_STRING":      inv.QueryString,
		"DOCUMENT_ROOT":     inv.DocumentRoot,
		"REQUEST_URI":       inv.RequestURI,
		"DATE_GMT":          time.Now().UTC().Format(http.TimeFormat),
	}
	if inv.PathInfo != "" && inv.DocumentRoot != "" {
		env["PATH_TRANSLATED"] = filepath.Join(inv.DocumentRoot, filepath.FromSlash(inv.PathInfo))
	}
	if host, port, err := net.SplitHostPort(inv.RemoteAddr); err == nil {
		env["REMOTE_ADDR"] = host
		env["REMOTE_PORT"] = port
	} else {
		env["REMOTE_ADDR"] = inv.RemoteAddr
	}

	for name, values := range inv.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		switch key {
		case "HTTP_CONTENT_TYPE", "HTTP_CONTENT_LENGTH":
			key = strings.TrimPrefix(key, "HTTP_")
		}
		// Never let a client set the proxy used by the script.
		if key == "HTTP_PROXY" {
			continue
		}
		env[key] = strings.Join(values, ", ")
	}

	for _, name := range r.opts.PassEnvironment {
		if v, ok := os.LookupEnv(name); ok {
			if _, taken := env[name]; !taken {
				env[name] = v
			}
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
