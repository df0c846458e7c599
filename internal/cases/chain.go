package cases

import (
	"context"
	"fmt"
	"runtime/debug"

	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// Chain evaluates cases in order and runs the first match.
type Chain struct {
	cases []Case
	log   *logger.Logger
}

// NewChain returns a chain over cases in the given order.
func NewChain(lg *logger.Logger, cases ...Case) *Chain {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Chain{cases: append([]Case(nil), cases...), log: lg}
}

// Cases returns the chain's cases in evaluation order.
func (c *Chain) Cases() []Case {
	return append([]Case(nil), c.cases...)
}

// Dispatch returns the response for rp.
func (c *Chain) Dispatch(ctx context.Context, req *request.Request, rp *resolver.ResolvedPath) *response.Response {
	resp, _ := c.Serve(ctx, req, rp)
	return resp
}

// Serve is Dispatch that also reports which case produced the response. The
// name is empty when no case matched or a case panicked.
func (c *Chain) Serve(ctx context.Context, req *request.Request, rp *resolver.ResolvedPath) (resp *response.Response, caseName string) {
	var current string
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Case panicked", logger.LogFields{
				"case":  current,
				"path":  rp.RequestPath,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			resp, caseName = response.InternalError(), ""
		}
	}()

	for _, cs := range c.cases {
		current = cs.Name()
		if !cs.Test(rp) {
			continue
		}
		resp = cs.Act(ctx, req, rp)
		if resp == nil {
			c.log.Error("Case returned no response", logger.LogFields{"case": current, "path": rp.RequestPath})
			return response.InternalError(), ""
		}
		return resp, current
	}

	c.log.Error("No case matched resolved path", logger.LogFields{
		"path": rp.RequestPath,
		"kind": rp.Kind.String(),
	})
	return response.InternalError(), ""
}
