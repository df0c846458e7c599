package cases

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"example.com/casehttpd/internal/cgi"
	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// newTestRoot lays out:
//
//	hello.txt
//	page.html
//	run.sh
//	docs/index.html
//	scripts/index.sh
//	empty/
//	list/b.txt, list/a&b <x>.txt, list/sp ace.txt, list/sub/
func newTestRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"hello.txt":        "hello",
		"page.html":        "<p>page</p>",
		"run.sh":           "echo run",
		"docs/index.html":  "<p>docs</p>",
		"scripts/index.sh": "echo index",
		"list/b.txt":       "bbbbb",
		"list/a&b <x>.txt": "x",
		"list/sp ace.txt":  "",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, dir := range []string{"empty", "list/sub"} {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(dir)), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newTestResolver(t *testing.T, root string) *resolver.Resolver {
	t.Helper()
	res, err := resolver.New(root, resolver.Options{
		ScriptsEnabled: true,
		Interpreters:   map[string]string{".sh": "/bin/sh"},
	})
	if err != nil {
		t.Fatalf("resolver.New failed: %v", err)
	}
	return res
}

// fakeRunner records invocations and returns a canned result.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []*cgi.Invocation
	result *cgi.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, inv *cgi.Invocation) (*cgi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	return f.result, f.err
}

func (f *fakeRunner) lastCall() *cgi.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type testEnv struct {
	root   string
	res    *resolver.Resolver
	runner *fakeRunner
	chain  *Chain
	logBuf *bytes.Buffer
}

func newTestEnv(t *testing.T, listing bool) *testEnv {
	t.Helper()
	root := newTestRoot(t)
	res := newTestResolver(t, root)
	runner := &fakeRunner{result: &cgi.Result{Stdout: []byte("Content-Type: text/plain\n\nscript output")}}
	var buf bytes.Buffer
	chain := NewStandardChain(res, runner, Options{
		IndexFiles:            []string{"index.html", "index.sh"},
		ServeDirectoryListing: listing,
		ServerName:            "localhost",
		ServerPort:            "8080",
	}, logger.NewTestLogger(&buf))
	return &testEnv{root: root, res: res, runner: runner, chain: chain, logBuf: &buf}
}

func newGetRequest(target string) *request.Request {
	return &request.Request{
		Method:     http.MethodGet,
		Target:     target,
		Path:       target,
		Proto:      "HTTP/1.1",
		Header:     http.Header{"Host": {"localhost:8080"}},
		RemoteAddr: "127.0.0.1:40000",
	}
}

func (e *testEnv) dispatch(target string) (*response.Response, string) {
	req := newGetRequest(target)
	rp := e.res.Resolve(target)
	return e.chain.Serve(context.Background(), req, &rp)
}

func newTestResolverNoScripts(t *testing.T, root string) *resolver.Resolver {
	t.Helper()
	res, err := resolver.New(root, resolver.Options{})
	if err != nil {
		t.Fatalf("resolver.New failed: %v", err)
	}
	return res
}
