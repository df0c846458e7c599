// Package testutil starts the server binary and drives it over real sockets.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // may include a query string, e.g. "/cgi/env.sh?x=1"
	Headers http.Header
}

// HeaderMatcher maps header names to exact expected values.
type HeaderMatcher map[string]string

// BodyMatcher matches a response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string)
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	Expected []byte
}

func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(body, m.Expected) {
		return true, ""
	}
	return false, fmt.Sprintf("body %q does not equal %q", body, m.Expected)
}

// StringContainsBodyMatcher checks that the body contains every substring.
type StringContainsBodyMatcher struct {
	Substrings []string
}

func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	for _, s := range m.Substrings {
		if !bytes.Contains(body, []byte(s)) {
			return false, fmt.Sprintf("body does not contain %q:\n%s", s, body)
		}
	}
	return true, ""
}

// NotContainsBodyMatcher checks that the body contains none of the substrings.
type NotContainsBodyMatcher struct {
	Substrings []string
}

func (m *NotContainsBodyMatcher) Match(body []byte) (bool, string) {
	for _, s := range m.Substrings {
		if bytes.Contains(body, []byte(s)) {
			return false, fmt.Sprintf("body unexpectedly contains %q:\n%s", s, body)
		}
	}
	return true, ""
}

// ExpectedResponse models the expected outcome of a request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      HeaderMatcher
	BodyMatchers []BodyMatcher
	ExpectNoBody bool
}

// ActualResponse is what the client received.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Check compares actual against expected and returns every mismatch.
func (e ExpectedResponse) Check(actual *ActualResponse) []string {
	var problems []string
	if actual.StatusCode != e.StatusCode {
		problems = append(problems, fmt.Sprintf("status %d, want %d", actual.StatusCode, e.StatusCode))
	}
	for name, want := range e.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s = %q, want %q", name, got, want))
		}
	}
	if e.ExpectNoBody && len(actual.Body) != 0 {
		problems = append(problems, fmt.Sprintf("expected no body, got %d bytes", len(actual.Body)))
	}
	for _, m := range e.BodyMatchers {
		if ok, msg := m.Match(actual.Body); !ok {
			problems = append(problems, msg)
		}
	}
	return problems
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData to a temporary JSON, TOML or YAML file in dir.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	case "yaml":
		data, err = yaml.Marshal(configData)
		ext = ".yaml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	f, err := os.CreateTemp(dir, "casehttpd-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp config file: %w", err)
	}
	return f.Name(), nil
}

var (
	buildOnce   sync.Once
	buildPath   string
	buildErr    error
	buildOutput []byte
)

// ServerBinary returns the path of the server binary. CASEHTTPD_BIN wins if
// set; otherwise ./cmd/server is built once into a temporary directory.
func ServerBinary() (string, error) {
	if p := os.Getenv("CASEHTTPD_BIN"); p != "" {
		return p, nil
	}
	buildOnce.Do(func() {
		goTool, err := exec.LookPath("go")
		if err != nil {
			buildErr = fmt.Errorf("go toolchain not found: %w", err)
			return
		}
		_, thisFile, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = fmt.Errorf("cannot locate project root")
			return
		}
		projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
		dir, err := os.MkdirTemp("", "casehttpd-bin-")
		if err != nil {
			buildErr = err
			return
		}
		buildPath = filepath.Join(dir, "casehttpd")
		cmd := exec.Command(goTool, "build", "-o", buildPath, "./cmd/server")
		cmd.Dir = projectRoot
		buildOutput, buildErr = cmd.CombinedOutput()
		if buildErr != nil {
			buildErr = fmt.Errorf("building server: %w\n%s", buildErr, buildOutput)
		}
	})
	return buildPath, buildErr
}

// syncBuffer collects process output from two pipes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running server process.
type ServerInstance struct {
	Cmd     *exec.Cmd
	Address string // host:port the server listens on

	logs   *syncBuffer
	cancel context.CancelFunc
	waitCh chan error
	once   sync.Once
	err    error
}

// StartTestServer launches binary with args and waits until address accepts
// connections.
func StartTestServer(binary, address string, args ...string) (*ServerInstance, error) {
	if _, err := os.Stat(binary); err != nil {
		return nil, fmt.Errorf("server binary %q: %w", binary, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, args...)
	logs := &syncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process %q: %w", binary, err)
	}
	s := &ServerInstance{Cmd: cmd, Address: address, logs: logs, cancel: cancel, waitCh: make(chan error, 1)}
	go func() { s.waitCh <- cmd.Wait() }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		select {
		case werr := <-s.waitCh:
			s.waitCh <- werr
			s.Stop()
			return nil, fmt.Errorf("server exited before listening (%v). Logs:\n%s", werr, logs.String())
		default:
		}
		if time.Now().After(deadline) {
			s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %v. Logs:\n%s", address, err, logs.String())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Logs returns everything the process has written so far.
func (s *ServerInstance) Logs() string { return s.logs.String() }

// Stop sends SIGTERM and waits for exit, killing the process if it takes too long.
func (s *ServerInstance) Stop() error {
	s.once.Do(func() {
		if s.Cmd.Process != nil {
			_ = s.Cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case s.err = <-s.waitCh:
		case <-time.After(10 * time.Second):
			s.cancel()
			s.err = fmt.Errorf("server did not exit after SIGTERM: %v", <-s.waitCh)
		}
		s.cancel()
	})
	return s.err
}

// Signal delivers sig to the server process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// Exited reports whether the process has exited within d, and its wait error.
func (s *ServerInstance) Exited(d time.Duration) (bool, error) {
	select {
	case err := <-s.waitCh:
		s.waitCh <- err
		return true, err
	case <-time.After(d):
		return false, nil
	}
}

// Do sends req with net/http and reads the full response.
func Do(address string, req TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequest(method, "http://"+address+req.Path, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range req.Headers {
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// DoRaw writes raw bytes to a fresh connection and parses the reply. It is used
// for request targets net/http would refuse to send or would clean up.
func DoRaw(address, raw string, method string) (*ActualResponse, error) {
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: method})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}
