package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/mpreston/histsync/internal/history"
	"github.com/mpreston/histsync/internal/state"
)

// ErrClientClosed is returned by Session after Close.
var ErrClientClosed = errors.New("sync client closed")

// ClientConfig carries the client-wide identity and storage handles.
type ClientConfig struct {
	// AppID and UserID are the identity strings sent in the ident
	// message on every connection open.
	AppID  string
	UserID string

	// Store persists file identities and progress watermarks.
	Store *state.Store
}

type sessionKey struct {
	endpoint string
	path     string
}

type connRef struct {
	conn   *Connection
	cancel context.CancelFunc
	refs   int
}

type sessionRef struct {
	sess *Session
	refs int
}

// Client is the registry of connections and sessions. Connections are
// created lazily, one per server endpoint; sessions are created lazily,
// one per (endpoint, local database path), cached and refcounted. The
// last release of a session unbinds it, and a connection is torn down
// with its last session.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu       gosync.Mutex
	conns    map[string]*connRef
	sessions map[sessionKey]*sessionRef
	closed   bool
}

// NewClient creates a sync client. Close releases every connection.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*connRef),
		sessions: make(map[sessionKey]*sessionRef),
	}
}

// SessionOptions configures one session.
type SessionOptions struct {
	// OnError receives fatal session errors.
	OnError func(error)

	// OnChange fires with the new local version after a server change
	// has been integrated into local history.
	OnChange func(version uint64)
}

// Session returns the session synchronizing the local database at
// localPath against remotePath on serverURL, creating the connection
// and session if this is the first reference. ctx bounds creation only.
func (c *Client) Session(ctx context.Context, serverURL, remotePath, localPath string, hist history.Store, opts SessionOptions) (*Session, error) {
	ep, err := ParseEndpoint(serverURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	key := sessionKey{endpoint: ep.Key, path: localPath}

	if ref, ok := c.sessions[key]; ok {
		ref.refs++
		return ref.sess, nil
	}

	cr, ok := c.conns[ep.Key]
	if !ok {
		conn := newConnection(ep, []byte(c.cfg.AppID), []byte(c.cfg.UserID), c.logger)
		connCtx, cancel := context.WithCancel(c.ctx)
		cr = &connRef{conn: conn, cancel: cancel}
		c.conns[ep.Key] = cr

		c.wg.Add(2)

		go func() {
			defer c.wg.Done()
			conn.run(connCtx)
		}()

		go func() {
			defer c.wg.Done()
			conn.applier.run(connCtx)
		}()
	}

	s, err := cr.conn.attach(ctx, sessionConfig{
		serverPath: remotePath,
		localPath:  localPath,
		store:      c.cfg.Store,
		hist:       hist,
		onError:    opts.OnError,
		onChange:   opts.OnChange,
	})
	if err != nil {
		if cr.refs == 0 {
			cr.cancel()
			delete(c.conns, ep.Key)
		}

		return nil, fmt.Errorf("creating session for %s: %w", localPath, err)
	}

	s.client = c
	s.key = key
	cr.refs++
	c.sessions[key] = &sessionRef{sess: s, refs: 1}

	return s, nil
}

// release drops one reference to a session; the last reference detaches
// it and, when it was the connection's last session, stops the
// connection.
func (c *Client) release(s *Session) {
	c.mu.Lock()

	ref, ok := c.sessions[s.key]
	if !ok {
		c.mu.Unlock()
		return
	}

	ref.refs--
	if ref.refs > 0 {
		c.mu.Unlock()
		return
	}

	delete(c.sessions, s.key)

	cr := c.conns[s.key.endpoint]

	var lastSession bool

	if cr != nil {
		cr.refs--
		lastSession = cr.refs == 0

		if lastSession {
			delete(c.conns, s.key.endpoint)
		}
	}

	c.mu.Unlock()

	// Detach synchronously so the unbind message is flushed before the
	// connection is cancelled.
	s.conn.detach(s, lastSession)

	if lastSession && cr != nil {
		cr.cancel()
	}
}

// Close tears down every connection and waits for their goroutines.
func (c *Client) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
