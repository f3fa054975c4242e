package replication

import (
	"net"
	"time"
)

const (
	// socket buffer size of replication connections
	socketBufferSize = 512 * 1024 // 512 KB
	keepAlivePeriod  = 30 * time.Second
)

// upgradeConnection applies the TCP options used for sync sessions.
// Connections that are not TCP connections (e.g. net.Pipe in tests) are left untouched.
func upgradeConnection(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	// Disable Nagle's algorithm, frames are written in batches by the buffered writer
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	if err := tcpConn.SetWriteBuffer(socketBufferSize); err != nil {
		return err
	}
	if err := tcpConn.SetReadBuffer(socketBufferSize); err != nil {
		return err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}

// sessionConn refreshes the deadline before every read or write and counts the bytes
// transferred. A zero timeout disables deadlines.
type sessionConn struct {
	conn    net.Conn
	timeout time.Duration
	read    uint64
	written uint64
}

func (c *sessionConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.conn.Read(p)
	c.read += uint64(n)
	return n, err
}

func (c *sessionConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.conn.Write(p)
	c.written += uint64(n)
	return n, err
}
