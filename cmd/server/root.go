package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"example.com/casehttpd/internal/cases"
	"example.com/casehttpd/internal/cgi"
	"example.com/casehttpd/internal/config"
	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/server"
)

type rootOptions struct {
	configPath string
	root       string
	port       int
	address    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "casehttpd [flags]",
		Short: "Serve a directory over HTTP, running CGI scripts",
		Long: `casehttpd serves files from a document root. Each request is handled by
exactly one of: a CGI script, a static file, a directory index, a directory
listing or a 404 page.

Examples:
  casehttpd --root ./public --port 8080
  casehttpd --config /etc/casehttpd.toml
  casehttpd --config casehttpd.yaml --log-level DEBUG`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (JSON, TOML or YAML)")
	flags.StringVarP(&opts.root, "root", "r", ".", "Document root directory")
	flags.IntVarP(&opts.port, "port", "p", config.DefaultPort, "TCP port to listen on")
	flags.StringVar(&opts.address, "address", config.DefaultAddress, "Address to bind")
	flags.StringVar(&opts.logLevel, "log-level", string(config.LogLevelInfo), "Error log level (DEBUG, INFO, WARNING, ERROR)")

	cmd.AddCommand(newCheckConfigCmd(opts), newVersionCmd())
	return cmd
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: serving %s on %s\n", cfg.RootDirectory(), cfg.ListenAddress())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.ServerSoftware)
		},
	}
}

func runServer(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer lg.CloseLogFiles()

	srv, err := newServer(cfg, lg)
	if err != nil {
		lg.Error("Failed to create server", logger.LogFields{"error": err})
		return err
	}
	lg.Info("Starting server", logger.LogFields{
		"version":       server.Version,
		"config_file":   cfg.OriginalFilePath(),
		"document_root": cfg.RootDirectory(),
		"cgi_enabled":   *cfg.CGI.Enabled,
	})
	return srv.Start()
}

// resolveConfig loads the config file, or builds a default one, and applies
// any flags given explicitly on the command line.
func resolveConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadConfig(opts.configPath)
	} else {
		cfg, err = config.Default(opts.root, opts.port)
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		abs, err := filepath.Abs(opts.root)
		if err != nil {
			return nil, fmt.Errorf("resolving --root %q: %w", opts.root, err)
		}
		cfg.Server.DocumentRoot = abs
	}
	if flags.Changed("port") {
		port := opts.port
		cfg.Server.Port = &port
	}
	if flags.Changed("address") {
		addr := opts.address
		cfg.Server.Address = &addr
	}
	if flags.Changed("log-level") {
		cfg.Logging.LogLevel = config.LogLevel(strings.ToUpper(opts.logLevel))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newServer wires resolver, script runner and case chain into a Server.
func newServer(cfg *config.Config, lg *logger.Logger) (*server.Server, error) {
	res, err := resolver.New(cfg.RootDirectory(), resolver.Options{
		ScriptsEnabled:    *cfg.CGI.Enabled,
		Interpreters:      cfg.CGI.Interpreters,
		ExecuteBitScripts: *cfg.CGI.ExecuteBitScripts,
	})
	if err != nil {
		return nil, err
	}
	runner := cgi.NewRunner(cgi.Options{
		Timeout:         cfg.CGI.Timeout.Value(),
		MaxOutputBytes:  *cfg.CGI.MaxOutputBytes,
		PassEnvironment: cfg.CGI.PassEnvironment,
		ServerSoftware:  server.ServerSoftware,
	}, lg)
	chain := cases.NewStandardChain(res, runner, cases.Options{
		IndexFiles:            cfg.Static.IndexFiles,
		ServeDirectoryListing: *cfg.Static.ServeDirectoryListing,
		MimeTypes:             cfg.Static.MimeTypes,
		ServerName:            serverName(cfg),
		ServerPort:            strconv.Itoa(cfg.ListenPort()),
	}, lg)
	return server.NewServer(cfg, lg, res, chain)
}

// serverName is the SERVER_NAME fallback for requests without a Host header.
func serverName(cfg *config.Config) string {
	if a := cfg.Server.Address; a != nil && *a != "" {
		if ip := net.ParseIP(*a); ip == nil || !ip.IsUnspecified() {
			return *a
		}
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
