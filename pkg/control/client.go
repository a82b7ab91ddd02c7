package control

import (
	"fmt"
	"net"
	"time"
)

// Client is a thin synchronous wrapper over a control socket connection,
// used by cmd/finitctl. One Client serves one request/reply round trip at
// a time, matching the server's per-connection serial dispatch.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at sockPath.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", sockPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes req and waits for the matching reply.
func (c *Client) Send(req Request) (Reply, error) {
	if err := WriteRequest(c.conn, req); err != nil {
		return Reply{}, err
	}
	return ReadReply(c.conn)
}
