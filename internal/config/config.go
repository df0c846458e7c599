package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress         = "0.0.0.0"
	DefaultPort            = 8080
	DefaultMaxConnections  = 256
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultCGITimeout      = 30 * time.Second
	DefaultMaxOutputBytes  = 10 << 20
	DefaultIndexFile       = "index.html"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Static  *StaticConfig  `json:"static,omitempty" toml:"static,omitempty" yaml:"static,omitempty"`
	CGI     *CGIConfig     `json:"cgi,omitempty" toml:"cgi,omitempty" yaml:"cgi,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`

	// filePath is the absolute path the config was loaded from, empty for programmatic configs.
	filePath string
}

// ServerConfig holds listener and filesystem settings.
type ServerConfig struct {
	Address         *string   `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	Port            *int      `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`
	DocumentRoot    string    `json:"document_root" toml:"document_root" yaml:"document_root"`
	MaxConnections  *int      `json:"max_connections,omitempty" toml:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	ReadTimeout     *Duration `json:"read_timeout,omitempty" toml:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout    *Duration `json:"write_timeout,omitempty" toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	ShutdownTimeout *Duration `json:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// StaticConfig configures the static file, index and listing cases.
type StaticConfig struct {
	IndexFiles            []string          `json:"index_files,omitempty" toml:"index_files,omitempty" yaml:"index_files,omitempty"`
	ServeDirectoryListing *bool             `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty" yaml:"serve_directory_listing,omitempty"`
	MimeTypes             map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
}

// CGIConfig configures script detection and execution.
type CGIConfig struct {
	Enabled *bool `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	// Interpreters maps a file extension (".py") to the program that runs it.
	Interpreters      map[string]string `json:"interpreters,omitempty" toml:"interpreters,omitempty" yaml:"interpreters,omitempty"`
	ExecuteBitScripts *bool             `json:"execute_bit_scripts,omitempty" toml:"execute_bit_scripts,omitempty" yaml:"execute_bit_scripts,omitempty"`
	Timeout           *Duration         `json:"timeout,omitempty" toml:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxOutputBytes    *int64            `json:"max_output_bytes,omitempty" toml:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	PassEnvironment   []string          `json:"pass_environment,omitempty" toml:"pass_environment,omitempty" yaml:"pass_environment,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty" yaml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// ConfigError describes a failure to load or validate configuration.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.FilePath != "" {
		b.WriteString(e.FilePath)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// OriginalFilePath returns the absolute path the configuration was loaded from.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.filePath
}

// RootDirectory returns the absolute document root.
func (c *Config) RootDirectory() string {
	if c.Server == nil {
		return ""
	}
	return c.Server.DocumentRoot
}

// ListenPort returns the configured TCP port.
func (c *Config) ListenPort() int {
	if c.Server == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// ListenAddress returns host:port for net.Listen.
func (c *Config) ListenAddress() string {
	host := DefaultAddress
	if c.Server != nil && c.Server.Address != nil {
		host = *c.Server.Address
	}
	return net.JoinHostPort(host, strconv.Itoa(c.ListenPort()))
}

// Default builds a complete configuration for serving root on port without a config file.
func Default(root string, port int) (*Config, error) {
	cfg := &Config{
		Server: &ServerConfig{
			DocumentRoot: root,
			Port:         &port,
		},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The format is chosen by extension (.json, .toml, .yaml, .yml); anything else is
// auto-detected by trying JSON, TOML and YAML in turn.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, &ConfigError{Message: "configuration file path cannot be empty"}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to resolve configuration file path", Err: err}
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "failed to read configuration file", Err: err}
	}

	cfg, err := parse(data, strings.ToLower(filepath.Ext(absPath)))
	if err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "failed to parse configuration", Err: err}
	}
	cfg.filePath = absPath

	// Relative document roots are taken relative to the config file.
	if cfg.Server != nil && cfg.Server.DocumentRoot != "" && !filepath.IsAbs(cfg.Server.DocumentRoot) {
		cfg.Server.DocumentRoot = filepath.Join(filepath.Dir(absPath), cfg.Server.DocumentRoot)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "failed to apply defaults", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{FilePath: absPath, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

func parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, errors.New("failed to parse TOML config: empty input")
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, errors.New("failed to parse YAML config: empty input")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return autoDetect(data)
	}
	return &cfg, nil
}

func autoDetect(data []byte) (*Config, error) {
	var jsonCfg Config
	jsonErr := json.Unmarshal(data, &jsonCfg)
	if jsonErr == nil {
		return &jsonCfg, nil
	}

	var tomlErr error
	if len(bytes.TrimSpace(data)) == 0 {
		tomlErr = errors.New("empty input")
	} else {
		var tomlCfg Config
		if _, tomlErr = toml.Decode(string(data), &tomlCfg); tomlErr == nil {
			return &tomlCfg, nil
		}
	}

	// YAML accepts almost any scalar text, so only a mapping document counts.
	var yamlErr error
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc) == 0 {
		yamlErr = errors.New("not a YAML mapping")
		if err != nil {
			yamlErr = err
		}
	} else {
		var yamlCfg Config
		if yamlErr = yaml.Unmarshal(data, &yamlCfg); yamlErr == nil {
			return &yamlCfg, nil
		}
	}

	return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v; YAML error: %v", jsonErr, tomlErr, yamlErr)
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() error {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	s := c.Server
	if s.Address == nil {
		s.Address = strPtr(DefaultAddress)
	}
	if s.Port == nil {
		s.Port = intPtr(DefaultPort)
	}
	if s.MaxConnections == nil {
		s.MaxConnections = intPtr(DefaultMaxConnections)
	}
	if s.ReadTimeout == nil {
		s.ReadTimeout = &Duration{DefaultReadTimeout}
	}
	if s.WriteTimeout == nil {
		s.WriteTimeout = &Duration{DefaultWriteTimeout}
	}
	if s.ShutdownTimeout == nil {
		s.ShutdownTimeout = &Duration{DefaultShutdownTimeout}
	}
	if s.DocumentRoot != "" {
		abs, err := filepath.Abs(s.DocumentRoot)
		if err != nil {
			return fmt.Errorf("resolving document_root %q: %w", s.DocumentRoot, err)
		}
		s.DocumentRoot = abs
	}

	if c.Static == nil {
		c.Static = &StaticConfig{}
	}
	if len(c.Static.IndexFiles) == 0 {
		c.Static.IndexFiles = []string{DefaultIndexFile}
	}
	if c.Static.ServeDirectoryListing == nil {
		c.Static.ServeDirectoryListing = boolPtr(true)
	}

	if c.CGI == nil {
		c.CGI = &CGIConfig{}
	}
	cg := c.CGI
	if cg.Enabled == nil {
		cg.Enabled = boolPtr(true)
	}
	if cg.Interpreters == nil {
		cg.Interpreters = map[string]string{
			".py": "python3",
			".sh": "/bin/sh",
		}
	}
	if cg.ExecuteBitScripts == nil {
		cg.ExecuteBitScripts = boolPtr(true)
	}
	if cg.Timeout == nil {
		cg.Timeout = &Duration{DefaultCGITimeout}
	}
	if cg.MaxOutputBytes == nil {
		n := int64(DefaultMaxOutputBytes)
		cg.MaxOutputBytes = &n
	}
	if cg.PassEnvironment == nil {
		cg.PassEnvironment = []string{"PATH"}
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	lg := c.Logging
	if lg.LogLevel == "" {
		lg.LogLevel = LogLevelInfo
	}
	if lg.ErrorLog == nil {
		lg.ErrorLog = &ErrorLogConfig{}
	}
	if lg.ErrorLog.Target == nil {
		lg.ErrorLog.Target = strPtr("stderr")
	}
	if lg.AccessLog == nil {
		lg.AccessLog = &AccessLogConfig{}
	}
	if lg.AccessLog.Enabled == nil {
		lg.AccessLog.Enabled = boolPtr(true)
	}
	if lg.AccessLog.Target == nil {
		lg.AccessLog.Target = strPtr("stdout")
	}
	if lg.AccessLog.Format == "" {
		lg.AccessLog.Format = "json"
	}
	return nil
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if c.Server == nil {
		return errors.New("server section is missing")
	}
	s := c.Server
	if s.DocumentRoot == "" {
		return errors.New("server.document_root is required")
	}
	fi, err := os.Stat(s.DocumentRoot)
	if err != nil {
		return fmt.Errorf("server.document_root %q: %w", s.DocumentRoot, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("server.document_root %q is not a directory", s.DocumentRoot)
	}
	if s.Port != nil && (*s.Port < 0 || *s.Port > 65535) {
		return fmt.Errorf("server.port %d is out of range", *s.Port)
	}
	if s.MaxConnections != nil && *s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", *s.MaxConnections)
	}
	for name, d := range map[string]*Duration{
		"server.read_timeout":     s.ReadTimeout,
		"server.write_timeout":    s.WriteTimeout,
		"server.shutdown_timeout": s.ShutdownTimeout,
	} {
		if d != nil && d.Value() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Static != nil {
		for _, name := range c.Static.IndexFiles {
			if name == "" || strings.ContainsAny(name, `/\`) {
				return fmt.Errorf("static.index_files entry %q must be a plain file name", name)
			}
		}
		for ext, typ := range c.Static.MimeTypes {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("static.mime_types key %q must start with '.'", ext)
			}
			if typ == "" {
				return fmt.Errorf("static.mime_types value for %q must not be empty", ext)
			}
		}
	}

	if c.CGI != nil {
		for ext := range c.CGI.Interpreters {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("cgi.interpreters key %q must start with '.'", ext)
			}
		}
		if c.CGI.Timeout != nil && c.CGI.Timeout.Value() <= 0 {
			return errors.New("cgi.timeout must be positive")
		}
		if c.CGI.MaxOutputBytes != nil && *c.CGI.MaxOutputBytes <= 0 {
			return errors.New("cgi.max_output_bytes must be positive")
		}
	}

	if c.Logging != nil {
		switch c.Logging.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", c.Logging.LogLevel)
		}
		if el := c.Logging.ErrorLog; el != nil && el.Target != nil {
			if err := validateTarget("logging.error_log.target", *el.Target); err != nil {
				return err
			}
		}
		if al := c.Logging.AccessLog; al != nil {
			if al.Target != nil {
				if err := validateTarget("logging.access_log.target", *al.Target); err != nil {
					return err
				}
			}
			if al.Format != "json" && al.Format != "console" {
				return fmt.Errorf("logging.access_log.format %q must be \"json\" or \"console\"", al.Format)
			}
			for _, p := range al.TrustedProxies {
				if strings.Contains(p, "/") {
					if _, _, err := net.ParseCIDR(p); err != nil {
						return fmt.Errorf("logging.access_log.trusted_proxies: %w", err)
					}
				} else if net.ParseIP(p) == nil {
					return fmt.Errorf("logging.access_log.trusted_proxies: invalid IP %q", p)
				}
			}
		}
	}
	return nil
}

func validateTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute path", field, target)
	}
	return nil
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
