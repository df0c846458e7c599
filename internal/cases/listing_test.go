package cases

import (
	"context"
	"net/http"
	"os"
	"regexp"
	"strings"
	"testing"

	"example.com/casehttpd/internal/resolver"
)

func TestDirectoryListing_Render(t *testing.T) {
	env := newTestEnv(t, true)
	resp, name := env.dispatch("/list/")
	if name != "DirectoryListing" {
		t.Fatalf("case = %q", name)
	}
	if resp.StatusCode() != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if got := resp.Header("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	body := string(resp.Body())

	// One anchor per child, in name order.
	wantAnchors := []string{
		`<a href="/list/a&amp;b%20%3Cx%3E.txt">a&amp;b &lt;x&gt;.txt</a>`,
		`<a href="/list/b.txt">b.txt</a>`,
		`<a href="/list/sp%20ace.txt">sp ace.txt</a>`,
		`<a href="/list/sub">sub/</a>`,
	}
	if n := strings.Count(body, "<a href="); n != len(wantAnchors) {
		t.Errorf("found %d anchors, want %d:\n%s", n, len(wantAnchors), body)
	}
	last := -1
	for _, a := range wantAnchors {
		i := strings.Index(body, a)
		if i < 0 {
			t.Errorf("missing anchor %s in:\n%s", a, body)
			continue
		}
		if i < last {
			t.Errorf("anchor %s out of order", a)
		}
		last = i
	}
	if strings.Contains(body, "<x>") {
		t.Error("entry name was not escaped")
	}
	if !strings.Contains(body, "<td>5 B</td>") {
		t.Errorf("humanized size for b.txt missing:\n%s", body)
	}
	if !strings.Contains(body, "<td>-</td>") {
		t.Error("directory size placeholder missing")
	}
	if !strings.Contains(body, "<title>Index of /list/</title>") {
		t.Error("title missing")
	}
	if strings.Contains(body, "http://") || strings.Contains(body, "https://") || strings.Contains(body, "<link") || strings.Contains(body, "<script") {
		t.Error("listing references external resources")
	}
}

func TestDirectoryListing_HrefWithoutTrailingSlash(t *testing.T) {
	env := newTestEnv(t, true)
	resp, _ := env.dispatch("/list")
	if !strings.Contains(string(resp.Body()), `<a href="/list/b.txt">`) {
		t.Errorf("href not rooted at request path:\n%s", resp.Body())
	}
	root, _ := env.dispatch("/")
	if !strings.Contains(string(root.Body()), `<a href="/hello.txt">`) {
		t.Errorf("root listing href wrong:\n%s", root.Body())
	}
}

func TestDirectoryListing_HrefsCollapseDuplicateSlashes(t *testing.T) {
	env := newTestEnv(t, true)
	hrefRE := regexp.MustCompile(`href="([^"]*)"`)
	tests := []struct {
		target string
		want   string
	}{
		{"//", `<a href="/hello.txt">`},
		{"//list", `<a href="/list/b.txt">`},
		{"//list/", `<a href="/list/b.txt">`},
		{"/list//", `<a href="/list/b.txt">`},
	}
	for _, tt := range tests {
		resp, name := env.dispatch(tt.target)
		if name != "DirectoryListing" {
			t.Errorf("%s: case = %q, want DirectoryListing", tt.target, name)
			continue
		}
		body := string(resp.Body())
		if !strings.Contains(body, tt.want) {
			t.Errorf("%s: missing %s in:\n%s", tt.target, tt.want, body)
		}
		for _, m := range hrefRE.FindAllStringSubmatch(body, -1) {
			if !strings.HasPrefix(m[1], "/") || strings.HasPrefix(m[1], "//") || strings.Contains(m[1], "//") {
				t.Errorf("%s: href %q must start with exactly one slash and contain no empty segment", tt.target, m[1])
			}
		}
	}
}

func TestDirectoryListing_EncodedDirectoryName(t *testing.T) {
	env := newTestEnv(t, true)
	if err := os.MkdirAll(env.root+"/my dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.root+"/my dir/f.txt", []byte("f"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, name := env.dispatch("/my%20dir/")
	if name != "DirectoryListing" {
		t.Fatalf("case = %q", name)
	}
	if !strings.Contains(string(resp.Body()), `<a href="/my%20dir/f.txt">f.txt</a>`) {
		t.Errorf("href not re-encoded:\n%s", resp.Body())
	}
}

func TestDirectoryListing_Disabled(t *testing.T) {
	env := newTestEnv(t, false)
	resp, name := env.dispatch("/list/")
	if name != "NotFound" || resp.StatusCode() != http.StatusNotFound {
		t.Errorf("got case %q status %d, want NotFound 404", name, resp.StatusCode())
	}
	// Index files still work with listings off.
	if _, name := env.dispatch("/docs/"); name != "DirectoryIndex" {
		t.Errorf("case = %q, want DirectoryIndex", name)
	}
}

func TestDirectoryListing_ReadFailureIsNotFound(t *testing.T) {
	env := newTestEnv(t, true)
	rp := env.res.Resolve("/empty")
	if rp.Kind != resolver.KindDirectory {
		t.Fatalf("Kind = %v", rp.Kind)
	}
	if err := os.Remove(rp.AbsolutePath); err != nil {
		t.Fatal(err)
	}
	resp := env.chain.Dispatch(context.Background(), newGetRequest("/empty"), &rp)
	if resp.StatusCode() != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode())
	}
}

func TestEscapePath(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"/a/b":      "/a/b",
		"/a b/c?d":  "/a%20b/c%3Fd",
		"/100%/x#y": "/100%25/x%23y",
	}
	for in, want := range tests {
		if got := escapePath(in); got != want {
			t.Errorf("escapePath(%q) = %q, want %q", in, got, want)
		}
	}
}
