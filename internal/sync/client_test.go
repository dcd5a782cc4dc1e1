package sync

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpreston/histsync/internal/state"
)

func TestClientSharesConnectionsAndSessions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 2)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}

			accepted <- c
		}
	}()

	serverURL := "sync://" + ln.Addr().String()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := NewClient(ClientConfig{AppID: "app", UserID: "alice", Store: store}, discardLogger())
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	hist := newFakeHistory()
	dbPath := "/data/main.db"

	s1, err := client.Session(ctx, serverURL, "/u/alice/main", dbPath, hist, SessionOptions{})
	require.NoError(t, err)

	// A second request for the same endpoint and database returns the
	// cached session over the same connection.
	s2, err := client.Session(ctx, serverURL, "/u/alice/main", dbPath, hist, SessionOptions{})
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	var srv net.Conn

	select {
	case srv = <-accepted:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for the connection")
	}
	t.Cleanup(func() { srv.Close() })

	select {
	case extra := <-accepted:
		extra.Close()
		t.Fatal("second session dialed a second connection")
	case <-time.After(100 * time.Millisecond):
	}

	// First release only drops a reference; the last one unbinds and
	// tears the connection down.
	s2.Release()
	s1.Release()

	require.NoError(t, srv.SetReadDeadline(time.Now().Add(testWait)))

	var sb strings.Builder
	buf := make([]byte, 1024)

	for {
		n, rerr := srv.Read(buf)
		sb.Write(buf[:n])

		if rerr != nil {
			break
		}
	}

	sent := sb.String()
	assert.True(t, strings.HasPrefix(sent, "ident 1 3 5\nappalice"), "got %q", sent)
	assert.Contains(t, sent, "unbind 1\n")
}

func TestClientSessionAfterClose(t *testing.T) {
	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := NewClient(ClientConfig{AppID: "app", UserID: "alice", Store: store}, discardLogger())
	client.Close()

	_, err = client.Session(context.Background(), "sync://localhost:7070", "/u/alice/main", "/data/main.db", newFakeHistory(), SessionOptions{})
	assert.ErrorIs(t, err, ErrClientClosed)
}
