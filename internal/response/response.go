// Package response holds the immutable Response value and its HTTP/1.1 wire form.
package response

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

// HeaderField is a single response header. Order is significant.
type HeaderField struct {
	Name  string
	Value string
}

// Response is an immutable HTTP response. Build one with New and derive
// variants with With.
type Response struct {
	code    int
	text    string
	headers []HeaderField
	body    []byte
}

// New copies headers and body into a new Response. Header fields with an invalid
// name are dropped and CR/LF inside values is replaced by a space.
func New(code int, headers []HeaderField, body []byte) *Response {
	text := http.StatusText(code)
	if text == "" {
		text = "Unknown"
	}
	r := &Response{code: code, text: text}
	r.headers = make([]HeaderField, 0, len(headers))
	for _, h := range headers {
		if hf, ok := sanitize(h); ok {
			r.headers = append(r.headers, hf)
		}
	}
	if len(body) > 0 {
		r.body = append([]byte(nil), body...)
	}
	return r
}

func sanitize(h HeaderField) (HeaderField, bool) {
	if h.Name == "" {
		return h, false
	}
	for i := 0; i < len(h.Name); i++ {
		c := h.Name[i]
		if c <= ' ' || c >= 0x7f || c == ':' {
			return h, false
		}
	}
	h.Value = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, h.Value)
	return h, true
}

func (r *Response) StatusCode() int    { return r.code }
func (r *Response) StatusText() string { return r.text }

// Headers returns a copy of the header list.
func (r *Response) Headers() []HeaderField {
	return append([]HeaderField(nil), r.headers...)
}

// Header returns the value of the first header with the given name, case-insensitively.
func (r *Response) Header(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Body returns a copy of the body.
func (r *Response) Body() []byte {
	return append([]byte(nil), r.body...)
}

// BodyLen returns the body length without copying it.
func (r *Response) BodyLen() int { return len(r.body) }

// With returns a copy of r with the named header set. An existing header of the
// same name keeps its position; otherwise the header is appended.
func (r *Response) With(name, value string) *Response {
	hf, ok := sanitize(HeaderField{Name: name, Value: value})
	if !ok {
		return r
	}
	out := &Response{code: r.code, text: r.text, body: r.body, headers: r.Headers()}
	for i, h := range out.headers {
		if strings.EqualFold(h.Name, name) {
			out.headers[i].Value = hf.Value
			return out
		}
	}
	out.headers = append(out.headers, hf)
	return out
}

// Render serializes r as an HTTP/1.1 response: status line, headers in order,
// a blank line and the body. Content-Length always reflects the body.
func Render(r *Response) []byte {
	var b bytes.Buffer
	writeHead(&b, r)
	b.Write(r.body)
	return b.Bytes()
}

// RenderHead serializes the status line and headers only, as sent for HEAD.
func RenderHead(r *Response) []byte {
	var b bytes.Buffer
	writeHead(&b, r)
	return b.Bytes()
}

func writeHead(b *bytes.Buffer, r *Response) {
	b.Grow(64 + 32*len(r.headers))
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(r.code))
	b.WriteByte(' ')
	b.WriteString(r.text)
	b.WriteString("\r\n")

	length := strconv.Itoa(len(r.body))
	wroteLength := false
	for _, h := range r.headers {
		value := h.Value
		if strings.EqualFold(h.Name, "Content-Length") {
			if wroteLength {
				continue
			}
			value = length
			wroteLength = true
		}
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	if !wroteLength {
		b.WriteString("Content-Length: ")
		b.WriteString(length)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
}
