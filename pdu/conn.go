package pdu

import (
	"net"
	"time"
)

// TimedConn pushes the read and write deadlines forward before every call,
// so a stalled peer cannot hold a single read or write longer than the
// timeout. A zero timeout leaves that direction unbounded.
type TimedConn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewTimedConn wraps conn with per-call deadlines.
func NewTimedConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *TimedConn {
	return &TimedConn{Conn: conn, ReadTimeout: readTimeout, WriteTimeout: writeTimeout}
}

func (c *TimedConn) Read(b []byte) (int, error) {
	if c.ReadTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *TimedConn) Write(b []byte) (int, error) {
	if c.WriteTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
