package response

import (
	"net/http"
	"strings"
	"testing"
)

func checkErrorPage(t *testing.T, r *Response, code int) string {
	t.Helper()
	if r.StatusCode() != code {
		t.Errorf("StatusCode = %d, want %d", r.StatusCode(), code)
	}
	if ct := r.Header("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := r.Header("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", cc)
	}
	body := string(r.Body())
	if !strings.HasPrefix(body, "<!DOCTYPE html>") || !strings.Contains(body, "</html>") {
		t.Errorf("Body is not a complete document: %q", body)
	}
	for _, external := range []string{"<link", "<script", "src=", "<img"} {
		if strings.Contains(body, external) {
			t.Errorf("Error page references external resource %q", external)
		}
	}
	return body
}

func TestNotFound(t *testing.T) {
	body := checkErrorPage(t, NotFound("/missing.txt"), http.StatusNotFound)
	if !strings.Contains(body, "<code>/missing.txt</code>") {
		t.Errorf("404 page should name the path: %q", body)
	}
	if !strings.Contains(body, "<title>404 Not Found</title>") {
		t.Errorf("Unexpected title: %q", body)
	}
}

func TestNotFound_EscapesPath(t *testing.T) {
	body := checkErrorPage(t, NotFound(`/<script>alert("x")</script>`), http.StatusNotFound)
	if strings.Contains(body, "<script>") {
		t.Errorf("Path was not escaped: %q", body)
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("Expected escaped path in body: %q", body)
	}
}

func TestInternalError_IsGeneric(t *testing.T) {
	body := checkErrorPage(t, InternalError(), http.StatusInternalServerError)
	if !strings.Contains(body, defaultHTMLMessages[http.StatusInternalServerError].Message) {
		t.Errorf("Expected default 500 message: %q", body)
	}
	if strings.Contains(body, "/") && strings.Contains(body, "exit status") {
		t.Errorf("500 page leaks details: %q", body)
	}
	if string(InternalError().Body()) != body {
		t.Error("InternalError should be identical on every call")
	}
}

func TestBadRequestAndMethodNotAllowed(t *testing.T) {
	checkErrorPage(t, BadRequest(), http.StatusBadRequest)

	r := MethodNotAllowed("GET, HEAD")
	checkErrorPage(t, r, http.StatusMethodNotAllowed)
	if r.Header("Allow") != "GET, HEAD" {
		t.Errorf("Allow = %q", r.Header("Allow"))
	}
}

func TestErrorPage_UnknownCode(t *testing.T) {
	body := checkErrorPage(t, ErrorPage(http.StatusTeapot), http.StatusTeapot)
	if !strings.Contains(body, "418 I&#39;m a teapot") {
		t.Errorf("Unexpected title for unknown code: %q", body)
	}
}
