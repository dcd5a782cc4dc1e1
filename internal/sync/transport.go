package sync

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// dialTimeout bounds a single connection attempt. The reconnect loop
// retries indefinitely, so a hung dial only delays the next attempt.
const dialTimeout = 30 * time.Second

// Conn is a byte-stream connection to a sync server. net.Conn satisfies
// it; tests substitute one end of a net.Pipe or a mock.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Dialer opens a stream to a server endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Endpoint identifies one sync server. Sessions targeting the same Key
// share a single connection.
type Endpoint struct {
	// Key is the host:port the endpoint resolves to.
	Key string

	// Dialer opens the stream. Chosen from the URL scheme.
	Dialer Dialer
}

// ParseEndpoint maps a server URL to an endpoint. sync:// dials a plain
// TCP stream; ws:// and wss:// tunnel the same framed protocol through a
// WebSocket, for deployments fronted by HTTP infrastructure.
func ParseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing server url: %w", err)
	}

	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("server url %q has no host", rawURL)
	}

	switch u.Scheme {
	case "sync":
		if u.Port() == "" {
			return Endpoint{}, fmt.Errorf("server url %q has no port", rawURL)
		}

		return Endpoint{Key: u.Host, Dialer: &tcpDialer{addr: u.Host}}, nil

	case "ws", "wss":
		return Endpoint{Key: u.Host, Dialer: &wsDialer{url: rawURL}}, nil

	default:
		return Endpoint{}, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
}

type tcpDialer struct {
	addr string
}

func (d *tcpDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: dialTimeout}

	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.addr, err)
	}

	return conn, nil
}

type wsDialer struct {
	url string
}

func (d *wsDialer) Dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, d.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket %s: %w", d.url, err)
	}

	// The NetConn context governs the connection's lifetime, not the
	// dial, so it must outlive dialCtx.
	return websocket.NetConn(context.WithoutCancel(ctx), c, websocket.MessageBinary), nil
}
