// Package cgi runs request scripts as child processes and interprets their output.
package cgi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"example.com/casehttpd/internal/logger"
)

var (
	// ErrTimeout is returned when a script runs past its time limit.
	ErrTimeout = errors.New("script timed out")
	// ErrOutputTooLarge is returned when a script writes more than the output limit.
	ErrOutputTooLarge = errors.New("script output exceeds limit")
)

// maxStderrBytes bounds how much stderr is kept for logging.
const maxStderrBytes = 64 << 10

// waitDelay bounds how long Wait keeps draining pipes after the script exits
// or is killed.
const waitDelay = 2 * time.Second

// ExitError reports a script that ran and exited with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("script exited with status %d", e.Code)
}

// Invocation describes one script execution.
type Invocation struct {
	// ScriptPath is the absolute path of the script on disk.
	ScriptPath string
	// Interpreter runs the script; empty executes ScriptPath directly.
	Interpreter string

	Method       string
	ScriptName   string
	// PathInfo is the part of the request path after ScriptName, usually empty.
	PathInfo     string
	QueryString  string
	RequestURI   string
	Protocol     string
	DocumentRoot string
	Header       http.Header
	RemoteAddr   string
	ServerName   string
	ServerPort   string
}

// Result is what a finished script produced.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Options configures a Runner.
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	// PassEnvironment names variables copied from the server's environment.
	PassEnvironment []string
	ServerSoftware  string
}

// Runner executes scripts. It is safe for concurrent use.
type Runner struct {
	opts Options
	log  *logger.Logger
}

// NewRunner returns a Runner. A nil logger discards output.
func NewRunner(opts Options, lg *logger.Logger) *Runner {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Runner{opts: opts, log: lg}
}

// Run executes inv and waits for it. The child is always reaped before Run
// returns. On timeout, cancellation of ctx or output overflow the whole process
// group is killed. The returned Result is non-nil whenever the script started,
// so stderr is available for logging even on failure.
func (r *Runner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, r.opts.Timeout)
		defer cancelTimeout()
	}

	var cmd *exec.Cmd
	if inv.Interpreter != "" {
		cmd = exec.CommandContext(runCtx, inv.Interpreter, inv.ScriptPath)
	} else {
		cmd = exec.CommandContext(runCtx, inv.ScriptPath)
	}
	cmd.Dir = filepath.Dir(inv.ScriptPath)
	cmd.Env = r.environ(inv)
	cmd.WaitDelay = waitDelay

	stdout := &limitedBuffer{max: r.opts.MaxOutputBytes, onOverflow: cancel}
	stderr := &limitedBuffer{max: maxStderrBytes, truncate: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting script %s: %w", inv.ScriptPath, err)
	}
	waitErr := cmd.Wait()
	killProcessGroup(cmd)

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	r.log.Debug("Script finished", logger.LogFields{
		"script":      inv.ScriptPath,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
		"stdout_len":  len(res.Stdout),
	})

	switch {
	case stdout.Overflowed():
		return res, fmt.Errorf("%w: more than %d bytes", ErrOutputTooLarge, r.opts.MaxOutputBytes)
	case ctx.Err() != nil:
		return res, fmt.Errorf("script %s: %w", inv.ScriptPath, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%w after %s", ErrTimeout, r.opts.Timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Code: exitErr.ExitCode()}
		}
		if errors.Is(waitErr, exec.ErrWaitDelay) && res.ExitCode == 0 {
			// The script exited cleanly but left a child holding its output open.
			return res, nil
		}
		return res, fmt.Errorf("waiting for script %s: %w", inv.ScriptPath, waitErr)
	}
	return res, nil
}

// limitedBuffer collects up to max bytes. Past that it either drops the rest
// (truncate) or fails the write and calls onOverflow once.
type limitedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	max        int64
	truncate   bool
	overflowed bool
	onOverflow func()
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	room := b.max - int64(b.buf.Len())
	if int64(len(p)) <= room {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	if b.truncate {
		return len(p), nil
	}
	if !b.overflowed {
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
	}
	return int(room), ErrOutputTooLarge
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *limitedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}
