package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpreston/histsync/internal/history"
	"github.com/mpreston/histsync/internal/state"
)

const testWait = 2 * time.Second

// pipeDialer hands the server end of every dialed net.Pipe to the test.
type pipeDialer struct {
	mu    gosync.Mutex
	ends  []net.Conn
	conns chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Dial(context.Context) (Conn, error) {
	client, server := net.Pipe()

	d.mu.Lock()
	d.ends = append(d.ends, client, server)
	d.mu.Unlock()

	d.conns <- server

	return client, nil
}

func (d *pipeDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.ends {
		c.Close()
	}
}

// testServer scripts the server side of one accepted connection.
type testServer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func acceptConn(t *testing.T, d *pipeDialer) *testServer {
	t.Helper()

	select {
	case c := <-d.conns:
		return &testServer{t: t, conn: c, r: bufio.NewReader(c)}
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// readFrame reads one client frame: the header fields plus the body the
// header declares.
func (s *testServer) readFrame() ([]string, []byte) {
	s.t.Helper()

	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(testWait)))

	line, err := s.r.ReadString('\n')
	require.NoError(s.t, err)

	fields := strings.Fields(line)
	require.NotEmpty(s.t, fields)

	var n int

	switch fields[0] {
	case "ident":
		require.Len(s.t, fields, 4)
		n = atoi(s.t, fields[2]) + atoi(s.t, fields[3])
	case "alloc":
		require.Len(s.t, fields, 3)
		n = atoi(s.t, fields[2])
	case "bind":
		require.Len(s.t, fields, 7)
		n = atoi(s.t, fields[6])
	case "changeset":
		require.Len(s.t, fields, 6)
		n = atoi(s.t, fields[5])
	case "unbind":
		require.Len(s.t, fields, 2)
	default:
		s.t.Fatalf("unexpected frame type %q", fields[0])
	}

	body := make([]byte, n)
	if n > 0 {
		_, err = io.ReadFull(s.r, body)
		require.NoError(s.t, err)
	}

	return fields, body
}

func (s *testServer) send(frame string) {
	s.t.Helper()

	require.NoError(s.t, s.conn.SetWriteDeadline(time.Now().Add(testWait)))

	_, err := s.conn.Write([]byte(frame))
	require.NoError(s.t, err)
}

// expectSilence asserts no bytes arrive within a short window.
func (s *testServer) expectSilence() {
	s.t.Helper()

	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))

	buf := make([]byte, 1)

	_, err := s.r.Read(buf)
	require.ErrorIs(s.t, err, os.ErrDeadlineExceeded)
}

// expectClosed asserts the client closes the connection.
func (s *testServer) expectClosed() {
	s.t.Helper()

	// net.Pipe's SetReadDeadline fails once either end is closed, so an
	// error here is itself proof the client has closed the connection.
	if err := s.conn.SetReadDeadline(time.Now().Add(testWait)); err != nil {
		return
	}

	buf := make([]byte, 64)

	for {
		if _, err := s.r.Read(buf); err != nil {
			require.NotErrorIs(s.t, err, os.ErrDeadlineExceeded)
			return
		}
	}
}

func atoi(t *testing.T, s string) int {
	t.Helper()

	n, err := strconv.Atoi(s)
	require.NoError(t, err)

	return n
}

// fakeHistory is an in-memory history.Store with hooks for failure
// injection and for stalling the merge worker.
type fakeHistory struct {
	mu           gosync.Mutex
	entries      []history.Entry
	lastServer   uint64
	integrated   []uint64
	integrateErr error

	identServer uint64
	identClient uint64

	// block, when non-nil, stalls Integrate until it is closed.
	block chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{}
}

func (h *fakeHistory) CurrentVersion() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return uint64(len(h.entries)), nil
}

func (h *fakeHistory) Entry(version uint64) (history.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if version == 0 || version > uint64(len(h.entries)) {
		return history.Entry{}, fmt.Errorf("no entry at version %d", version)
	}

	return h.entries[version-1], nil
}

func (h *fakeHistory) LastIntegratedServerVersion() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastServer, nil
}

func (h *fakeHistory) Integrate(changeset []byte, lastIntegrated, serverVersion, originTimestamp, originFileIdent uint64) (uint64, error) {
	h.mu.Lock()
	block := h.block
	h.mu.Unlock()

	if block != nil {
		<-block
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.integrateErr != nil {
		return 0, h.integrateErr
	}

	version := uint64(len(h.entries)) + 1
	h.entries = append(h.entries, history.Entry{
		Version:         version,
		OriginFileIdent: originFileIdent,
		OriginTimestamp: originTimestamp,
		RemoteVersion:   serverVersion,
		Changeset:       append([]byte(nil), changeset...),
	})
	h.lastServer = serverVersion
	h.integrated = append(h.integrated, serverVersion)

	return version, nil
}

func (h *fakeHistory) setIntegrateErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.integrateErr = err
}

func (h *fakeHistory) SetFileIdent(server, client uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.identServer = server
	h.identClient = client

	return nil
}

// appendLocal records a local-origin commit and returns its version.
func (h *fakeHistory) appendLocal(changeset []byte, originTimestamp uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	version := uint64(len(h.entries)) + 1
	h.entries = append(h.entries, history.Entry{
		Version:         version,
		OriginTimestamp: originTimestamp,
		RemoteVersion:   h.lastServer,
		Changeset:       append([]byte(nil), changeset...),
	})

	return version
}

// appendForeign records a commit that originated on another file.
func (h *fakeHistory) appendForeign(changeset []byte, originFileIdent, serverVersion uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	version := uint64(len(h.entries)) + 1
	h.entries = append(h.entries, history.Entry{
		Version:         version,
		OriginFileIdent: originFileIdent,
		RemoteVersion:   serverVersion,
		Changeset:       append([]byte(nil), changeset...),
	})
	h.lastServer = serverVersion

	return version
}

func (h *fakeHistory) integratedVersions() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]uint64(nil), h.integrated...)
}

// connHarness runs one Connection against a pipe dialer.
type connHarness struct {
	t      *testing.T
	conn   *Connection
	dialer *pipeDialer
	store  *state.Store
	dbPath string
}

func newConnHarness(t *testing.T) *connHarness {
	t.Helper()

	dialer := newPipeDialer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := newConnection(Endpoint{Key: "test:7070", Dialer: dialer}, []byte("app"), []byte("alice"), logger)
	conn.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	go conn.run(ctx)
	go conn.applier.run(ctx)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		dialer.closeAll()
		store.Close()
	})

	return &connHarness{
		t:      t,
		conn:   conn,
		dialer: dialer,
		store:  store,
		dbPath: "/data/main.db",
	}
}

func (h *connHarness) attach(hist history.Store, opts ...func(*sessionConfig)) *Session {
	h.t.Helper()

	cfg := sessionConfig{
		serverPath: "/u/alice/main",
		localPath:  h.dbPath,
		store:      h.store,
		hist:       hist,
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	s, err := h.conn.attach(ctx, cfg)
	require.NoError(h.t, err)

	return s
}

// onControl runs fn on the control goroutine and waits for it, giving
// tests a race-free view of control-goroutine state.
func (h *connHarness) onControl(fn func()) {
	h.t.Helper()

	ch := make(chan struct{})
	h.conn.do(func() {
		fn()
		close(ch)
	})

	select {
	case <-ch:
	case <-time.After(testWait):
		h.t.Fatal("control goroutine did not run task")
	}
}

// waitStoredProgress polls the state store until the durable progress
// marker reaches want.
func (h *connHarness) waitStoredProgress(want state.Progress) {
	h.t.Helper()

	deadline := time.Now().Add(testWait)

	for {
		got, err := h.store.Progress(h.dbPath)
		require.NoError(h.t, err)

		if got == want {
			return
		}

		if time.Now().After(deadline) {
			h.t.Fatalf("stored progress %+v, want %+v", got, want)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func (h *connHarness) sessionWatermarks(s *Session) (progress state.Progress, uploaded, available uint64) {
	h.t.Helper()

	h.onControl(func() {
		progress = s.progress
		uploaded = s.latestUploaded
		available = s.latestAvailable
	})

	return progress, uploaded, available
}
