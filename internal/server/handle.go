package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"example.com/casehttpd/internal/logger"
	"example.com/casehttpd/internal/request"
	"example.com/casehttpd/internal/resolver"
	"example.com/casehttpd/internal/response"
)

// allowedMethods is sent in the Allow header of 405 responses.
const allowedMethods = "GET, HEAD"

// Dispatcher picks and runs the case for a resolved request. *cases.Chain
// implements it.
type Dispatcher interface {
	Serve(ctx context.Context, req *request.Request, rp *resolver.ResolvedPath) (*response.Response, string)
}

// handle serves exactly one request on c. It never returns an error: every
// failure is either answered on the wire or logged.
func (s *Server) handle(ctx context.Context, c Conn, remoteAddr string) {
	start := time.Now()
	reqID := uuid.NewString()

	req, err := c.ReadRequest()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, request.ErrMalformed):
			s.log.Debug("Malformed request", logger.LogFields{"remote_addr": remoteAddr, "request_id": reqID, "error": err})
			n, werr := c.Write(response.Render(s.finalize(response.BadRequest(), reqID, start)))
			if werr != nil {
				s.log.Debug("Write failed", logger.LogFields{"remote_addr": remoteAddr, "error": werr})
			}
			s.log.Access(logger.AccessEntry{
				RemoteAddr: remoteAddr,
				Method:     "-",
				URI:        "-",
				Protocol:   "-",
				Status:     http.StatusBadRequest,
				RespBytes:  int64(n),
				Duration:   time.Since(start),
				RequestID:  reqID,
			})
		default:
			s.log.Debug("Reading request failed", logger.LogFields{"remote_addr": remoteAddr, "error": err})
		}
		return
	}

	resp, caseName := s.respond(ctx, req)
	resp = s.finalize(resp, reqID, start)

	var out []byte
	bodyBytes := int64(resp.BodyLen())
	if req.Method == http.MethodHead {
		out = response.RenderHead(resp)
		bodyBytes = 0
	} else {
		out = response.Render(resp)
	}
	if _, err := c.Write(out); err != nil {
		s.log.Warn("Failed to write response", logger.LogFields{
			"remote_addr": remoteAddr,
			"request_id":  reqID,
			"error":       err,
		})
	}

	s.log.Access(logger.AccessEntry{
		RemoteAddr: remoteAddr,
		Method:     req.Method,
		URI:        req.Target,
		Protocol:   req.Proto,
		Header:     req.Header,
		Status:     resp.StatusCode(),
		RespBytes:  bodyBytes,
		Duration:   time.Since(start),
		RequestID:  reqID,
		Case:       caseName,
	})
}

// respond applies the method gate and dispatches GET and HEAD.
func (s *Server) respond(ctx context.Context, req *request.Request) (*response.Response, string) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	default:
		return response.MethodNotAllowed(allowedMethods), ""
	}
	rp := s.res.Resolve(req.Target)
	s.log.Debug("Resolved request path", logger.LogFields{
		"target": req.Target,
		"path":   rp.RequestPath,
		"kind":   rp.Kind.String(),
	})
	return s.chain.Serve(ctx, req, &rp)
}

// finalize adds the headers every response carries.
func (s *Server) finalize(resp *response.Response, reqID string, now time.Time) *response.Response {
	return resp.
		With("Date", now.UTC().Format(http.TimeFormat)).
		With("Server", ServerSoftware).
		With("Connection", "close").
		With("X-Request-Id", reqID)
}
