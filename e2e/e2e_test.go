//go:build unix

package e2e

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"example.com/casehttpd/e2e/testutil"
	"example.com/casehttpd/internal/config"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

// docRoot lays out a document root inside a parent directory that also holds a
// file the server must never reveal.
func docRoot(t *testing.T) string {
	t.Helper()
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("TOP-SECRET"), 0o644))

	root := filepath.Join(parent, "www")
	files := map[string]string{
		"hello.txt":           "hello world",
		"site/index.html":     "<h1>site home</h1>",
		"files/a.txt":         "aaa",
		"files/b & c.txt":     "bc",
		"files/sub/deep.txt":  "deep",
		"cgi/env.sh":          "echo 'Content-Type: text/plain'\necho\necho \"METHOD=$REQUEST_METHOD\"\necho \"QUERY=$QUERY_STRING\"\necho \"SCRIPT_NAME=$SCRIPT_NAME\"\necho \"PATH_INFO=$PATH_INFO\"\necho \"SERVER_SOFTWARE=$SERVER_SOFTWARE\"\n",
		"cgi/plain.sh":        "echo '<p>raw output</p>'\n",
		"cgi/fail.sh":         "echo 'secret-detail from script' >&2\nexit 3\n",
		"cgi/created.sh":      "printf 'Status: 201 Created\\r\\nContent-Type: text/plain\\r\\nX-Script: yes\\r\\n\\r\\nmade it'\n",
		"scripted/index.sh":   "echo 'Content-Type: text/plain'\necho\necho 'index script ran'\n",
		"empty/.keep-me-away": "",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	require.NoError(t, os.Symlink(filepath.Join(parent, "secret.txt"), filepath.Join(root, "escape.txt")))
	return root
}

func requireShell(t *testing.T) {
	t.Helper()
	if err := unix.Access("/bin/sh", unix.X_OK); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func baseConfig(root string, port int) *config.Config {
	return &config.Config{
		Server: &config.ServerConfig{
			Address:         strPtr("127.0.0.1"),
			Port:            intPtr(port),
			DocumentRoot:    root,
			ShutdownTimeout: &config.Duration{Duration: 5 * time.Second},
		},
		Static: &config.StaticConfig{
			IndexFiles:            []string{"index.html", "index.sh"},
			ServeDirectoryListing: boolPtr(true),
		},
		CGI: &config.CGIConfig{
			Enabled:      boolPtr(true),
			Interpreters: map[string]string{".sh": "/bin/sh"},
			Timeout:      &config.Duration{Duration: 5 * time.Second},
		},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelDebug,
			AccessLog: &config.AccessLogConfig{
				Enabled: boolPtr(true),
				Target:  strPtr("stdout"),
				Format:  "json",
			},
			ErrorLog: &config.ErrorLogConfig{Target: strPtr("stderr")},
		},
	}
}

// startServer writes cfg in the given format and runs the binary against it.
func startServer(t *testing.T, cfg *config.Config, format string) *testutil.ServerInstance {
	t.Helper()
	binary, err := testutil.ServerBinary()
	if err != nil {
		t.Skipf("server binary unavailable: %v", err)
	}
	cfgPath, err := testutil.WriteTempConfig(t.TempDir(), cfg, format)
	require.NoError(t, err)

	addr := fmt.Sprintf("127.0.0.1:%d", *cfg.Server.Port)
	srv, err := testutil.StartTestServer(binary, addr, "--config", cfgPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("stopping server: %v", err)
		}
		if t.Failed() {
			t.Logf("server logs:\n%s", srv.Logs())
		}
	})
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := testutil.GetFreePort()
	require.NoError(t, err)
	return port
}

func TestDispatch(t *testing.T) {
	requireShell(t)
	root := docRoot(t)
	srv := startServer(t, baseConfig(root, freePort(t)), "json")

	tests := []struct {
		name string
		req  testutil.TestRequest
		want testutil.ExpectedResponse
	}{
		{
			name: "static file",
			req:  testutil.TestRequest{Path: "/hello.txt"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				Headers:      testutil.HeaderMatcher{"Content-Type": "text/plain; charset=utf-8", "Content-Length": "11", "Connection": "close"},
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("hello world")}},
			},
		},
		{
			name: "static file with query",
			req:  testutil.TestRequest{Path: "/hello.txt?ignored=1"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("hello world")}},
			},
		},
		{
			name: "directory index",
			req:  testutil.TestRequest{Path: "/site/"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				Headers:      testutil.HeaderMatcher{"Content-Type": "text/html; charset=utf-8"},
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("<h1>site home</h1>")}},
			},
		},
		{
			name: "directory index without trailing slash",
			req:  testutil.TestRequest{Path: "/site"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("<h1>site home</h1>")}},
			},
		},
		{
			name: "script index",
			req:  testutil.TestRequest{Path: "/scripted/"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("index script ran\n")}},
			},
		},
		{
			name: "directory listing",
			req:  testutil.TestRequest{Path: "/files/"},
			want: testutil.ExpectedResponse{
				StatusCode: http.StatusOK,
				Headers:    testutil.HeaderMatcher{"Content-Type": "text/html; charset=utf-8"},
				BodyMatchers: []testutil.BodyMatcher{
					&testutil.StringContainsBodyMatcher{Substrings: []string{
						`<a href="/files/a.txt">a.txt</a>`,
						`<a href="/files/b%20&amp;%20c.txt">b &amp; c.txt</a>`,
						`<a href="/files/sub">sub/</a>`,
					}},
				},
			},
		},
		{
			name: "empty directory listing",
			req:  testutil.TestRequest{Path: "/empty/"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				BodyMatchers: []testutil.BodyMatcher{&testutil.StringContainsBodyMatcher{Substrings: []string{".keep-me-away"}}},
			},
		},
		{
			name: "missing file",
			req:  testutil.TestRequest{Path: "/nope.txt"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusNotFound,
				Headers:      testutil.HeaderMatcher{"Content-Type": "text/html; charset=utf-8"},
				BodyMatchers: []testutil.BodyMatcher{&testutil.StringContainsBodyMatcher{Substrings: []string{"/nope.txt"}}},
			},
		},
		{
			name: "symlink out of root",
			req:  testutil.TestRequest{Path: "/escape.txt"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusNotFound,
				BodyMatchers: []testutil.BodyMatcher{&testutil.NotContainsBodyMatcher{Substrings: []string{"TOP-SECRET"}}},
			},
		},
		{
			name: "cgi with header block",
			req:  testutil.TestRequest{Path: "/cgi/env.sh?name=value&x=1"},
			want: testutil.ExpectedResponse{
				StatusCode: http.StatusOK,
				Headers:    testutil.HeaderMatcher{"Content-Type": "text/plain"},
				BodyMatchers: []testutil.BodyMatcher{&testutil.StringContainsBodyMatcher{Substrings: []string{
					"METHOD=GET",
					"QUERY=name=value&x=1",
					"SCRIPT_NAME=/cgi/env.sh\n",
					"PATH_INFO=\n",
					"SERVER_SOFTWARE=casehttpd/",
				}}},
			},
		},
		{
			name: "cgi raw output",
			req:  testutil.TestRequest{Path: "/cgi/plain.sh"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				Headers:      testutil.HeaderMatcher{"Content-Type": "text/html"},
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("<p>raw output</p>\n")}},
			},
		},
		{
			name: "cgi status header",
			req:  testutil.TestRequest{Path: "/cgi/created.sh"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusCreated,
				Headers:      testutil.HeaderMatcher{"X-Script": "yes"},
				BodyMatchers: []testutil.BodyMatcher{&testutil.ExactBodyMatcher{Expected: []byte("made it")}},
			},
		},
		{
			name: "cgi failure",
			req:  testutil.TestRequest{Path: "/cgi/fail.sh"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusInternalServerError,
				BodyMatchers: []testutil.BodyMatcher{&testutil.NotContainsBodyMatcher{Substrings: []string{"secret-detail", "exit"}}},
			},
		},
		{
			name: "method not allowed",
			req:  testutil.TestRequest{Method: http.MethodPost, Path: "/hello.txt"},
			want: testutil.ExpectedResponse{
				StatusCode: http.StatusMethodNotAllowed,
				Headers:    testutil.HeaderMatcher{"Allow": "GET, HEAD"},
			},
		},
		{
			name: "head",
			req:  testutil.TestRequest{Method: http.MethodHead, Path: "/hello.txt"},
			want: testutil.ExpectedResponse{
				StatusCode:   http.StatusOK,
				Headers:      testutil.HeaderMatcher{"Content-Length": "11"},
				ExpectNoBody: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual, err := testutil.Do(srv.Address, tt.req)
			require.NoError(t, err)
			assert.Empty(t, tt.want.Check(actual))
		})
	}

	logs := srv.Logs()
	assert.Contains(t, logs, "secret-detail from script", "script stderr should be logged")
	assert.Contains(t, logs, `"case":"CGIExecute"`)
	assert.Contains(t, logs, `"case":"DirectoryListing"`)
	assert.NotContains(t, logs, "No case matched")
}

func TestTraversal(t *testing.T) {
	root := docRoot(t)
	srv := startServer(t, baseConfig(root, freePort(t)), "json")

	for _, target := range []string{
		"/../secret.txt",
		"/files/../../secret.txt",
		"/%2e%2e/secret.txt",
		"/files/%2E%2E%2F%2E%2E%2Fsecret.txt",
		"/..%2fsecret.txt",
	} {
		t.Run(target, func(t *testing.T) {
			actual, err := testutil.DoRaw(srv.Address, "GET "+target+" HTTP/1.1\r\nHost: localhost\r\n\r\n", http.MethodGet)
			require.NoError(t, err)
			assert.Equal(t, http.StatusNotFound, actual.StatusCode)
			assert.NotContains(t, string(actual.Body), "TOP-SECRET")
		})
	}
}

func TestMalformedRequest(t *testing.T) {
	root := docRoot(t)
	srv := startServer(t, baseConfig(root, freePort(t)), "json")

	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /hello.txt SPDY/3\r\n\r\n",
		"GET /hello.txt HTTP/1.1\r\nNo colon here\r\n\r\n",
	} {
		actual, err := testutil.DoRaw(srv.Address, raw, http.MethodGet)
		require.NoError(t, err, "request %q", raw)
		assert.Equal(t, http.StatusBadRequest, actual.StatusCode, "request %q", raw)
	}

	// The server keeps serving after bad input.
	actual, err := testutil.Do(srv.Address, testutil.TestRequest{Path: "/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)
}

func TestConfigFormats(t *testing.T) {
	for _, format := range []string{"json", "toml", "yaml"} {
		t.Run(format, func(t *testing.T) {
			root := docRoot(t)
			srv := startServer(t, baseConfig(root, freePort(t)), format)
			actual, err := testutil.Do(srv.Address, testutil.TestRequest{Path: "/files/a.txt"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, actual.StatusCode)
			assert.Equal(t, "aaa", string(actual.Body))
		})
	}
}

func TestListingDisabled(t *testing.T) {
	root := docRoot(t)
	cfg := baseConfig(root, freePort(t))
	cfg.Static.ServeDirectoryListing = boolPtr(false)
	srv := startServer(t, cfg, "toml")

	actual, err := testutil.Do(srv.Address, testutil.TestRequest{Path: "/files/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, actual.StatusCode)

	actual, err = testutil.Do(srv.Address, testutil.TestRequest{Path: "/site/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode, "index pages are still served")
}

func TestCGIDisabled(t *testing.T) {
	root := docRoot(t)
	cfg := baseConfig(root, freePort(t))
	cfg.CGI.Enabled = boolPtr(false)
	srv := startServer(t, cfg, "yaml")

	actual, err := testutil.Do(srv.Address, testutil.TestRequest{Path: "/cgi/plain.sh"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)
	assert.Equal(t, "echo '<p>raw output</p>'\n", string(actual.Body), "script source is served as a file")
}

func TestCommandLineFlags(t *testing.T) {
	binary, err := testutil.ServerBinary()
	if err != nil {
		t.Skipf("server binary unavailable: %v", err)
	}
	root := docRoot(t)
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)
	srv, err := testutil.StartTestServer(binary, addr,
		"--root", root, "--port", strconv.Itoa(port), "--address", "127.0.0.1", "--log-level", "debug")
	require.NoError(t, err)
	defer srv.Stop()

	actual, err := testutil.Do(addr, testutil.TestRequest{Path: "/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)
	assert.True(t, strings.HasPrefix(actual.Headers.Get("Server"), "casehttpd/"))
	assert.NotEmpty(t, actual.Headers.Get("X-Request-Id"))
}

func TestSignals(t *testing.T) {
	root := docRoot(t)
	srv := startServer(t, baseConfig(root, freePort(t)), "json")

	require.NoError(t, srv.Signal(syscall.SIGHUP))
	exited, _ := srv.Exited(300 * time.Millisecond)
	require.False(t, exited, "SIGHUP must not stop the server")

	actual, err := testutil.Do(srv.Address, testutil.TestRequest{Path: "/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, actual.StatusCode)

	require.NoError(t, srv.Signal(syscall.SIGTERM))
	exited, werr := srv.Exited(10 * time.Second)
	require.True(t, exited, "SIGTERM should stop the server")
	assert.NoError(t, werr, "graceful shutdown should exit 0")
	assert.Contains(t, srv.Logs(), "Server stopped")
}
