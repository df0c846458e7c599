package cgi

import (
	"bytes"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"example.com/casehttpd/internal/response"
)

// hopHeaders are connection-level headers a script may not set.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// ParseOutput turns script stdout into a Response.
//
// If the output starts with a header block (one or more "Name: value" lines
// ended by a blank line) that names Content-Type, Status or Location, the block
// is honoured: Status sets the code, Location without Status means 302 and the
// remaining headers are sent in script order. Anything else is returned
// verbatim as a 200 text/html body.
func ParseOutput(out []byte) *response.Response {
	if resp, ok := parseHeaderBlock(out); ok {
		return resp
	}
	return response.New(http.StatusOK, []response.HeaderField{
		{Name: "Content-Type", Value: "text/html"},
	}, out)
}

func parseHeaderBlock(out []byte) (*response.Response, bool) {
	end, sepLen := headerEnd(out)
	if end <= 0 {
		return nil, false
	}
	lines := strings.Split(string(out[:end]), "\n")

	status := 0
	sawLocation := false
	sawKnown := false
	var headers []response.HeaderField
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok || !validToken(name) {
			return nil, false
		}
		name = textproto.CanonicalMIMEHeaderKey(name)
		value = strings.TrimSpace(value)
		switch name {
		case "Status":
			code, ok := parseStatus(value)
			if !ok {
				return nil, false
			}
			status = code
			sawKnown = true
			continue
		case "Location":
			sawLocation = true
			sawKnown = true
		case "Content-Type":
			sawKnown = true
		}
		if hopHeaders[name] {
			continue
		}
		headers = append(headers, response.HeaderField{Name: name, Value: value})
	}
	if !sawKnown {
		return nil, false
	}
	if status == 0 {
		status = http.StatusOK
		if sawLocation {
			status = http.StatusFound
		}
	}
	return response.New(status, headers, out[end+sepLen:]), true
}

// headerEnd finds the blank line ending a header block. It returns the offset
// of the separator and its length.
func headerEnd(out []byte) (int, int) {
	crlf := bytes.Index(out, []byte("\r\n\r\n"))
	lf := bytes.Index(out, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseStatus accepts "NNN" or "NNN reason".
func parseStatus(v string) (int, bool) {
	codeStr, _, _ := strings.Cut(v, " ")
	if len(codeStr) != 3 {
		return 0, false
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}
