package transport

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ClientSessionHandler handles one accepted client connection. It owns
// conn and must close it before returning.
type ClientSessionHandler func(conn net.Conn)

// Client is the reliable, bidirectional client-stream endpoint (spec.md
// §4.1, port P+100). Each accepted session is handled on its own
// goroutine; sessions are otherwise independent of one another.
type Client struct {
	ln  net.Listener
	log *logrus.Entry
}

// ListenClient binds the client channel at host:port.
func ListenClient(host string, port int, log *logrus.Entry) (*Client, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "bind client socket")
	}
	return &Client{ln: ln, log: log}, nil
}

// Serve accepts connections until the listener is closed, dispatching
// each to handle on its own goroutine.
func (c *Client) Serve(handle ClientSessionHandler) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			// Closed (Stop) or transient; the loop exits on closure.
			return
		}
		go handle(conn)
	}
}

// Close is idempotent.
func (c *Client) Close() error {
	return c.ln.Close()
}

func (c *Client) Addr() net.Addr {
	return c.ln.Addr()
}
