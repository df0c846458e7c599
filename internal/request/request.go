// Package request reads a single HTTP/1.x request head from a connection.
package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
)

const (
	// MaxLineBytes bounds the request line and each header line, CRLF included.
	MaxLineBytes = 8 << 10
	// MaxHeaderBytes bounds the whole request head.
	MaxHeaderBytes = 64 << 10
)

// ErrMalformed is wrapped by every parse failure that should be answered with 400.
var ErrMalformed = errors.New("malformed request")

// Request is the parsed request head. It is built once and never mutated.
type Request struct {
	Method string
	// Target is the raw request-target exactly as sent, query and fragment included.
	Target string
	// Path is Target without query or fragment. It is still percent-encoded.
	Path       string
	RawQuery   string
	Proto      string
	Header     http.Header
	RemoteAddr string
}

// Host returns the Host header, without any port.
func (r *Request) Host() string {
	h := r.Header.Get("Host")
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.HasSuffix(h, "]") {
		h = h[:i]
	}
	return strings.Trim(h, "[]")
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ReadRequest reads a request line and headers from br. It returns io.EOF if the
// peer closed the connection before sending anything. The body, if any, is not read.
func ReadRequest(br *bufio.Reader, remoteAddr string) (*Request, error) {
	budget := MaxHeaderBytes

	// Empty lines before the request line are ignored (RFC 9112 section 2.2).
	// They count against the head budget.
	line, err := readLine(br, &budget)
	for err == nil && line == "" {
		line, err = readLine(br, &budget)
	}
	if err != nil {
		return nil, err
	}
	method, target, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, malformed("invalid request line %q", line)
	}
	if !validMethod(method) {
		return nil, malformed("invalid method %q", method)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, malformed("unsupported protocol %q", proto)
	}
	target, ok = originForm(target)
	if !ok {
		return nil, malformed("invalid request target %q", target)
	}

	header, err := readHeader(br, &budget)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:     method,
		Target:     target,
		Proto:      proto,
		Header:     header,
		RemoteAddr: remoteAddr,
	}
	req.Path, req.RawQuery = splitTarget(target)
	return req, nil
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.Contains(proto, " ") {
		return "", "", "", false
	}
	return method, target, proto, true
}

func validMethod(m string) bool {
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return m != ""
}

// originForm reduces an absolute-form target to its path and query.
func originForm(target string) (string, bool) {
	if strings.HasPrefix(target, "/") {
		return target, true
	}
	lower := strings.ToLower(target)
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(lower, scheme) {
			rest := target[len(scheme):]
			if i := strings.IndexAny(rest, "/?#"); i >= 0 {
				rest = rest[i:]
			} else {
				rest = ""
			}
			if !strings.HasPrefix(rest, "/") {
				rest = "/" + rest
			}
			return rest, true
		}
	}
	return target, false
}

// splitTarget separates the path from the query and drops any fragment.
func splitTarget(target string) (path, rawQuery string) {
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	path, rawQuery, _ = strings.Cut(target, "?")
	return path, rawQuery
}

func readHeader(br *bufio.Reader, budget *int) (http.Header, error) {
	header := make(http.Header)
	for {
		line, err := readLine(br, budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, malformed("unexpected EOF in headers")
			}
			return nil, err
		}
		if line == "" {
			return header, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, malformed("obsolete header line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, malformed("invalid header line %q", line)
		}
		header.Add(textproto.CanonicalMIMEHeaderKey(name), strings.TrimSpace(value))
	}
}

// readLine reads one line, accepting CRLF or a bare LF, and charges it to budget.
func readLine(br *bufio.Reader, budget *int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineBytes {
			return "", malformed("line exceeds %d bytes", MaxLineBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return "", malformed("unexpected EOF")
			}
			return "", err
		}
		break
	}
	*budget -= len(line)
	if *budget < 0 {
		return "", malformed("request head exceeds %d bytes", MaxHeaderBytes)
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}
