package mgmt

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnerr"
)

// OpenUN scans dir for a socket file named "<name>.*.socket" and connects
// to the first match, matching spec.md §4.11's client-side open_un.
func OpenUN(dir, name string) (net.Conn, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("mgmt: scan %s: %w", dir, err)
	}
	prefix := name + "."
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, prefix) && strings.HasSuffix(n, ".socket") {
			conn, err := net.Dial("unix", filepath.Join(dir, n))
			if err != nil {
				continue
			}
			return conn, nil
		}
	}
	return nil, fmt.Errorf("mgmt: no socket matching %s.*.socket in %s", name, dir)
}

// SocketName builds the "<role>.<pid>.socket" file name a server should
// bind to, so a client's open_un glob can find it.
func SocketName(role string, pid int) string {
	return fmt.Sprintf("%s.%d.socket", role, pid)
}

// Client is a connection to one role socket, used for the synchronous
// send_msg request/ack exchange.
type Client struct {
	conn net.Conn
}

// Dial connects to the first socket matching name under dir.
func Dial(dir, name string) (*Client, error) {
	conn, err := OpenUN(dir, name)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// SendMsg writes req and, if timeout != 0, waits up to timeout for a
// single ack record. timeout == 0 blocks indefinitely, matching
// spec.md §4.11's send_msg(req, ack, timeout) semantics.
func (c *Client) SendMsg(req Message, timeout time.Duration) (Message, error) {
	if err := WriteMessage(c.conn, req); err != nil {
		return Message{}, fmt.Errorf("mgmt: send_msg write: %w", err)
	}

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Message{}, fmt.Errorf("mgmt: set read deadline: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	ack, err := ReadMessage(c.conn)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Message{}, acrnerr.Wrap(acrnerr.IpcTimeout, "mgmt: send_msg ack", err)
		}
		return Message{}, fmt.Errorf("mgmt: send_msg ack: %w", err)
	}
	return ack, nil
}

// SendNoWait writes req without waiting for an ack.
func (c *Client) SendNoWait(req Message) error {
	return WriteMessage(c.conn, req)
}
