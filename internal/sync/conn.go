// Package sync implements the client side of the change synchronization
// protocol: one persistent stream connection per server endpoint, many
// sessions multiplexed over it, version-ordered upload of local commits
// and ordered background application of downloaded changes.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mpreston/histsync/internal/protocol"
)

const (
	// reconnectDelay is the fixed pause before re-dialing a dropped
	// connection. Retries are unbounded; the level-triggered handshake
	// makes every reconnect resume from persisted watermarks.
	reconnectDelay = 5 * time.Second

	// readBufSize is the size of the socket read buffer.
	readBufSize = 32 * 1024

	// taskChanSize buffers control-goroutine tasks posted from other
	// goroutines (watchers, applier hand-backs, session lifecycle).
	taskChanSize = 128

	// inboundChanSize buffers raw socket reads between the reader
	// goroutine and the control goroutine.
	inboundChanSize = 64
)

type connState int

const (
	connClosed connState = iota
	connOpening
	connOpen
)

// nextConnID numbers connections for diagnostics only.
var nextConnID atomic.Int64

// outboundMessage is one framed message queued for transmission. done,
// if set, fires on the control goroutine after the body has been fully
// written and before the next queued message's header is sent.
type outboundMessage struct {
	header []byte
	body   []byte
	done   func()
}

// readChunk is one socket read delivered by the reader goroutine.
type readChunk struct {
	data []byte
	err  error
}

// Connection owns one stream socket to one server endpoint and
// multiplexes the sessions attached to it.
//
// All connection and session state is mutated on a single control
// goroutine (run). External inputs arrive as closures on the task
// channel; the per-connection output queue and session map are never
// touched from any other goroutine.
type Connection struct {
	id       int64
	endpoint Endpoint
	logger   *slog.Logger
	appID    []byte
	userID   []byte
	delay    time.Duration

	applier *applier

	tasks chan func()
	done  chan struct{}

	// Control-goroutine state.
	state         connState
	conn          Conn
	dec           *protocol.Decoder
	sessions      map[int]*Session
	nextSessionID int
	queue         []outboundMessage
	sending       bool
	inbound       chan readChunk
	readerStop    chan struct{}
	retry         <-chan time.Time
	stopping      bool
}

func newConnection(endpoint Endpoint, appID, userID []byte, logger *slog.Logger) *Connection {
	id := nextConnID.Add(1)

	c := &Connection{
		id:       id,
		endpoint: endpoint,
		logger:   logger.With(slog.Int64("conn", id), slog.String("server", endpoint.Key)),
		appID:    appID,
		userID:   userID,
		delay:    reconnectDelay,
		tasks:    make(chan func(), taskChanSize),
		done:     make(chan struct{}),
		sessions: make(map[int]*Session),
	}
	c.applier = newApplier(c, logger)

	return c
}

// do schedules fn onto the control goroutine. It becomes a no-op once
// the connection has shut down, which is what makes hand-backs from the
// background applier safe against teardown races.
func (c *Connection) do(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

// run is the control goroutine. It drives dialing, socket reads, task
// execution and the reconnect timer until ctx is cancelled or the last
// session detaches.
func (c *Connection) run(ctx context.Context) {
	defer c.teardown()

	c.open(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case fn := <-c.tasks:
			fn()

		case chunk := <-c.inbound:
			c.handleChunk(chunk)

		case <-c.retry:
			c.retry = nil
			c.open(ctx)
		}

		if c.stopping {
			return
		}
	}
}

func (c *Connection) teardown() {
	c.closeSocket()
	close(c.done)
}

// open dials the endpoint and, on success, sends the identification
// message and resumes every attached session's handshake. On failure it
// schedules the fixed-delay retry.
func (c *Connection) open(ctx context.Context) {
	c.state = connOpening

	conn, err := c.endpoint.Dialer.Dial(ctx)
	if err != nil {
		c.state = connClosed

		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", c.delay),
		)
		c.retry = time.After(c.delay)

		return
	}

	c.conn = conn
	c.dec = &protocol.Decoder{}
	c.startReader(conn)
	c.state = connOpen
	c.logger.Info("connected")

	c.enqueue(frameMessage(protocol.IdentFrame(c.appID, c.userID), nil))

	// Level-triggered: every session re-derives its next handshake step
	// from persisted identity and watermark state alone.
	for _, s := range c.sessions {
		s.connectionDidOpen()
	}
}

// frameMessage wraps an encoded frame as a queued outbound message.
func frameMessage(f protocol.Frame, done func()) outboundMessage {
	return outboundMessage{header: f.Header, body: f.Body, done: done}
}

// startReader launches a goroutine that reads from conn and feeds the
// inbound channel. Both the channel and the stop signal are captured by
// value so a stale reader from a previous connection can never deliver
// into the current one.
func (c *Connection) startReader(conn Conn) {
	ch := make(chan readChunk, inboundChanSize)
	stop := make(chan struct{})
	c.inbound = ch
	c.readerStop = stop

	go func() {
		buf := make([]byte, readBufSize)

		for {
			n, err := conn.Read(buf)

			var data []byte
			if n > 0 {
				data = append(data, buf[:n]...)
			}

			select {
			case ch <- readChunk{data: data, err: err}:
			case <-stop:
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// handleChunk feeds one socket read through the frame decoder and
// dispatches completed messages to their sessions.
func (c *Connection) handleChunk(chunk readChunk) {
	if chunk.err != nil {
		c.fail(fmt.Errorf("reading socket: %w", chunk.err))
		return
	}

	msgs, err := c.dec.Feed(chunk.data)
	if err != nil {
		c.fail(fmt.Errorf("decoding frame: %w", err))
		return
	}

	for _, msg := range msgs {
		s, ok := c.sessions[msg.SessionID]
		if !ok {
			// The session was torn down while the message was in
			// flight. Not an error.
			c.logger.Debug("dropping message for unknown session",
				slog.String("type", msg.Type),
				slog.Int("session", msg.SessionID),
			)

			continue
		}

		if err := c.dispatch(s, msg); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Connection) dispatch(s *Session, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeAlloc:
		s.handleAlloc(msg)
		return nil

	case protocol.TypeChangeset:
		return s.handleChangeset(msg)

	case protocol.TypeAccept:
		return s.handleAccept(msg)

	default:
		return fmt.Errorf("unhandled message type %q", msg.Type)
	}
}

// enqueue appends a message to the output queue and drains it. While a
// drain is in progress new messages are only appended; the outer drain
// loop picks them up, preserving strict FIFO order.
func (c *Connection) enqueue(m outboundMessage) {
	if c.state != connOpen {
		// Sessions only enqueue in response to connection-open events,
		// so this is reachable only for unbind during a disconnect;
		// the server frees the session on connection loss anyway.
		c.logger.Debug("dropping outbound message, connection not open")
		return
	}

	c.queue = append(c.queue, m)
	c.flush()
}

func (c *Connection) flush() {
	if c.sending {
		return
	}

	c.sending = true
	defer func() { c.sending = false }()

	for c.state == connOpen && len(c.queue) > 0 {
		m := c.queue[0]
		c.queue = c.queue[1:]

		if err := c.writeAll(m.header); err != nil {
			c.fail(fmt.Errorf("writing header: %w", err))
			return
		}

		if len(m.body) > 0 {
			if err := c.writeAll(m.body); err != nil {
				c.fail(fmt.Errorf("writing body: %w", err))
				return
			}
		}

		// Completion fires after the body is fully transmitted and
		// before the next queued header.
		if m.done != nil {
			m.done()
		}
	}
}

func (c *Connection) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			return err
		}

		p = p[n:]
	}

	return nil
}

// fail closes the connection after a transport, framing or protocol
// error and schedules the reconnect. Sessions stay attached; only their
// in-flight upload state is cleared.
func (c *Connection) fail(err error) {
	if c.state != connOpen {
		return
	}

	c.logger.Warn("connection lost, reconnecting",
		slog.String("error", err.Error()),
		slog.Duration("delay", c.delay),
	)

	c.closeSocket()
	c.state = connClosed

	// Pending messages are derived state: sessions recompute what to
	// send from their watermarks on reopen. Completion callbacks of
	// discarded messages must not fire.
	c.queue = nil

	for _, s := range c.sessions {
		s.connectionDidClose()
	}

	if !c.stopping {
		c.retry = time.After(c.delay)
	}
}

func (c *Connection) closeSocket() {
	if c.readerStop != nil {
		close(c.readerStop)
		c.readerStop = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// attach creates a session on the control goroutine and returns it once
// registered. Must not be called from the control goroutine itself.
func (c *Connection) attach(ctx context.Context, cfg sessionConfig) (*Session, error) {
	type result struct {
		s   *Session
		err error
	}

	ch := make(chan result, 1)

	c.do(func() {
		s, err := newSession(c, cfg)
		if err != nil {
			ch <- result{err: err}
			return
		}

		c.sessions[s.id] = s

		// Reply once registered; the handshake below may block on a slow
		// peer and the caller only needs the session handle.
		ch <- result{s: s}

		if c.state == connOpen {
			s.connectionDidOpen()
		}
	})

	select {
	case r := <-ch:
		return r.s, r.err
	case <-c.done:
		return nil, fmt.Errorf("connection shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detach removes a session, sending unbind so the server can free its
// session state. Blocks until the control goroutine has processed the
// removal (and therefore flushed the unbind when the socket is open).
func (c *Connection) detach(s *Session, stopWhenEmpty bool) {
	ch := make(chan struct{})

	c.do(func() {
		defer close(ch)

		if s.released {
			return
		}

		s.released = true

		if c.state == connOpen {
			c.enqueue(frameMessage(protocol.UnbindFrame(s.id), nil))
		}

		delete(c.sessions, s.id)

		if stopWhenEmpty && len(c.sessions) == 0 {
			c.stopping = true
		}
	})

	select {
	case <-ch:
	case <-c.done:
	}
}
