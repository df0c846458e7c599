package server

import (
	"bufio"
	"net"
	"time"

	"example.com/casehttpd/internal/request"
)

// Conn is the per-connection collaborator used by the request handler.
type Conn interface {
	ReadRequest() (*request.Request, error)
	Write(p []byte) (int, error)
}

// netConn adapts a net.Conn, applying read and write deadlines.
type netConn struct {
	c            net.Conn
	br           *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newNetConn(c net.Conn, readTimeout, writeTimeout time.Duration) *netConn {
	return &netConn{
		c:            c,
		br:           bufio.NewReaderSize(c, 4<<10),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (nc *netConn) ReadRequest() (*request.Request, error) {
	if nc.readTimeout > 0 {
		_ = nc.c.SetReadDeadline(time.Now().Add(nc.readTimeout))
	}
	return request.ReadRequest(nc.br, nc.c.RemoteAddr().String())
}

func (nc *netConn) Write(p []byte) (int, error) {
	if nc.writeTimeout > 0 {
		_ = nc.c.SetWriteDeadline(time.Now().Add(nc.writeTimeout))
	}
	return nc.c.Write(p)
}
