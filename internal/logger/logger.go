package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/casehttpd/internal/config"
)

// LogFields carries structured key/value context for an error log entry.
type LogFields map[string]interface{}

const tsFormat = "2006-01-02T15:04:05.000Z"

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// target is an io.Writer whose destination can be swapped while in use.
// Every zerolog event reaches it as a single Write call.
type target struct {
	mu   sync.Mutex
	name string // "stdout", "stderr" or an absolute file path
	w    io.Writer
}

func openTarget(name string) (*target, error) {
	switch name {
	case "", "stderr":
		return &target{name: "stderr", w: os.Stderr}, nil
	case "stdout":
		return &target{name: name, w: os.Stdout}, nil
	}
	if !config.IsFilePath(name) {
		return nil, fmt.Errorf("invalid log target: %s", name)
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
	}
	return &target{name: name, w: f}, nil
}

func (t *target) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

func (t *target) isFile() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.w.(*os.File)
	return ok && t.w != os.Stdout && t.w != os.Stderr
}

func (t *target) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.w.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// reopen closes and reopens a file target. Standard streams are left alone.
func (t *target) reopen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.w.(*os.File)
	if !ok || f == os.Stdout || f == os.Stderr {
		return nil
	}
	_ = f.Close()
	nf, err := os.OpenFile(t.name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.w = os.Stderr
		return fmt.Errorf("failed to reopen log file %s: %w", t.name, err)
	}
	t.w = nf
	return nil
}

// ErrorLogger writes leveled diagnostic entries.
type ErrorLogger struct {
	zl  zerolog.Logger
	out *target
}

// AccessLogger writes one entry per completed request.
type AccessLogger struct {
	zl            zerolog.Logger
	out           *target
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// AccessEntry describes one finished request for the access log.
type AccessEntry struct {
	RemoteAddr string
	Method     string
	URI        string
	Protocol   string
	Header     http.Header
	Status     int
	RespBytes  int64
	Duration   time.Duration
	RequestID  string
	Case       string
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}
	l := &Logger{
		errorLog: &ErrorLogger{
			zl:  zerolog.New(errOut).Level(zerologLevel(cfg.LogLevel)),
			out: errOut,
		},
	}

	al := cfg.AccessLog
	if al == nil || (al.Enabled != nil && !*al.Enabled) {
		return l, nil
	}
	accTarget := "stdout"
	if al.Target != nil {
		accTarget = *al.Target
	}
	proxies, err := preParseTrustedProxies(al.TrustedProxies)
	if err != nil {
		_ = errOut.close()
		return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
	}
	accOut, err := openTarget(accTarget)
	if err != nil {
		_ = errOut.close()
		return nil, fmt.Errorf("access log: %w", err)
	}
	var w io.Writer = accOut
	if al.Format == "console" {
		w = zerolog.ConsoleWriter{Out: accOut, NoColor: true, PartsExclude: []string{
			zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.CallerFieldName, zerolog.MessageFieldName,
		}}
	}
	realIPHeader := ""
	if al.RealIPHeader != nil {
		realIPHeader = *al.RealIPHeader
	}
	l.accessLog = &AccessLogger{
		zl:            zerolog.New(w),
		out:           accOut,
		realIPHeader:  realIPHeader,
		parsedProxies: proxies,
	}
	return l, nil
}

// NewTestLogger returns a logger writing both logs as JSON to out at DEBUG level.
func NewTestLogger(out io.Writer) *Logger {
	t := &target{name: "test", w: out}
	return &Logger{
		errorLog:  &ErrorLogger{zl: zerolog.New(t).Level(zerolog.DebugLevel), out: t},
		accessLog: &AccessLogger{zl: zerolog.New(t), out: t},
	}
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return NewTestLogger(io.Discard)
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's address from the direct peer and, when
// the peer is a trusted proxy, the configured real-IP header. The header is walked
// right to left and the first untrusted entry wins.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" || !isIPTrusted(net.ParseIP(peer), trustedProxies) {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			// Malformed chain, fall back to the peer.
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}

func (al *AccessLogger) logAccess(e AccessEntry) {
	if al == nil {
		return
	}
	port := "0"
	if _, p, err := net.SplitHostPort(e.RemoteAddr); err == nil {
		port = p
	}
	ev := al.zl.Log().
		Str("ts", time.Now().UTC().Format(tsFormat)).
		Str("remote_addr", getRealClientIP(e.RemoteAddr, e.Header, al.realIPHeader, al.parsedProxies)).
		Str("remote_port", port).
		Str("method", e.Method).
		Str("uri", e.URI).
		Str("protocol", e.Protocol).
		Int("status", e.Status).
		Int64("resp_bytes", e.RespBytes).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.RequestID != "" {
		ev = ev.Str("request_id", e.RequestID)
	}
	if e.Case != "" {
		ev = ev.Str("case", e.Case)
	}
	if ua := e.Header.Get("User-Agent"); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := e.Header.Get("Referer"); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (el *ErrorLogger) log(level zerolog.Level, msg string, fields []LogFields) {
	if el == nil {
		return
	}
	ev := el.zl.WithLevel(level)
	if ev == nil {
		return
	}
	ev = ev.Str("ts", time.Now().UTC().Format(tsFormat)).Str("msg", msg)
	for _, f := range fields {
		for k, v := range f {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			ev = ev.Interface(k, v)
		}
	}
	ev.Send()
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.DebugLevel, msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.InfoLevel, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.WarnLevel, msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.ErrorLevel, msg, fields)
}

// Access records a finished request. It is a no-op when access logging is disabled.
func (l *Logger) Access(e AccessEntry) {
	l.accessLog.logAccess(e)
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() {
	if l.accessLog != nil {
		_ = l.accessLog.out.close()
	}
	if l.errorLog != nil {
		_ = l.errorLog.out.close()
	}
}

// ReopenLogFiles closes and reopens file-based targets, for log rotation on SIGHUP.
// On failure the affected log falls back to stderr.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	if l.errorLog != nil && l.errorLog.out.isFile() {
		firstErr = l.errorLog.out.reopen()
	}
	if l.accessLog != nil && l.accessLog.out.isFile() {
		if err := l.accessLog.out.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
