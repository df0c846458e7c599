package cases

import (
	"context"

	"example.com/casehttpd/internal/cgi"
	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// CGIExecute runs executable files and turns their output into a response.
type CGIExecute struct {
	res        *resolver.Resolver
	runner     ScriptRunner
	serverName string
	serverPort string
	log        *logger.Logger
}

// NewCGIExecute returns the script case.
func NewCGIExecute(res *resolver.Resolver, runner ScriptRunner, serverName, serverPort string, lg *logger.Logger) *CGIExecute {
	return &CGIExecute{res: res, runner: runner, serverName: serverName, serverPort: serverPort, log: lg}
}

func (c *CGIExecute) Name() string { return "CGIExecute" }

func (c *CGIExecute) Test(rp *resolver.ResolvedPath) bool {
	return rp.Kind == resolver.KindFile && rp.IsExecutable
}

func (c *CGIExecute) Act(ctx context.Context, req *request.Request, rp *resolver.ResolvedPath) *response.Response {
	inv := c.invocation(req, rp)
	result, err := c.runner.Run(ctx, inv)

	if result != nil && len(result.Stderr) > 0 {
		c.log.Warn("Script wrote to stderr", logger.LogFields{
			"script": rp.AbsolutePath,
			"stderr": string(result.Stderr),
		})
	}
	if err != nil {
		fields := logger.LogFields{"script": rp.AbsolutePath, "error": err}
		if result != nil {
			fields["exit_code"] = result.ExitCode
			fields["duration_ms"] = result.Duration.Milliseconds()
		}
		c.log.Warn("Script failed", fields)
		return response.InternalError()
	}
	return cgi.ParseOutput(result.Stdout)
}

func (c *CGIExecute) invocation(req *request.Request, rp *resolver.ResolvedPath) *cgi.Invocation {
	inv := &cgi.Invocation{
		ScriptPath: rp.AbsolutePath,
		ScriptName: rp.RequestPath,
		ServerName: c.serverName,
		ServerPort: c.serverPort,
		Protocol:   "HTTP/1.1",
		Method:     "GET",
		RequestURI: rp.RequestPath,
	}
	if c.res != nil {
		inv.DocumentRoot = c.res.Root()
		if prog, ok := c.res.Interpreter(rp.AbsolutePath); ok {
			inv.Interpreter = prog
		}
	}
	if req != nil {
		inv.Method = req.Method
		inv.QueryString = req.RawQuery
		inv.RequestURI = req.Target
		inv.Header = req.Header
		inv.RemoteAddr = req.RemoteAddr
		if req.Proto != "" {
			inv.Protocol = req.Proto
		}
		if host := req.Host(); host != "" {
			inv.ServerName = host
		}
	}
	return inv
}
