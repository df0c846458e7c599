package cases

import (
	"context"

	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// NotFound matches everything and is always last.
type NotFound struct{}

func (NotFound) Name() string { return "NotFound" }

func (NotFound) Test(*resolver.ResolvedPath) bool { return true }

func (NotFound) Act(_ context.Context, _ *request.Request, rp *resolver.ResolvedPath) *response.Response {
	return response.NotFound(rp.RequestPath)
}
