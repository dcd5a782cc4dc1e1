package sync

import (
	"context"
	"log/slog"
	gosync "sync"

	"github.com/mpreston/histsync/internal/history"
)

// applyTask is one ordered unit of background work: integrate a
// downloaded changeset (payload non-nil) or just persist an advanced
// watermark (payload nil, for accepts and retransmission skips).
type applyTask struct {
	conn      *Connection
	sessionID int
	hist      history.Store

	serverVersion   uint64
	clientVersion   uint64
	originTimestamp uint64
	originFileIdent uint64
	payload         []byte
}

// applier executes merge operations strictly one at a time, in
// submission order, off the connection's control goroutine so slow
// merges never stall socket I/O. Results are handed back to the control
// goroutine, which preserves receipt order for watermark persistence.
//
// The queue is unbounded: submit never blocks, because the control
// goroutine is also the only drainer of the hand-back channel and a
// blocking submit would deadlock the two against each other when a
// single socket read carries a large burst of messages.
//
// The hand-back holds only the session id, not the session: if the
// session has been torn down by the time the task completes, the
// hand-back silently no-ops.
type applier struct {
	logger *slog.Logger

	mu    gosync.Mutex
	queue []applyTask
	wake  chan struct{}
}

func newApplier(c *Connection, logger *slog.Logger) *applier {
	return &applier{
		logger: logger.With(slog.Int64("conn", c.id)),
		wake:   make(chan struct{}, 1),
	}
}

// submit appends a task to the queue. Called from the control goroutine
// only; never blocks.
func (a *applier) submit(t applyTask) {
	a.mu.Lock()
	a.queue = append(a.queue, t)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *applier) next() (applyTask, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) == 0 {
		return applyTask{}, false
	}

	t := a.queue[0]
	a.queue = a.queue[1:]

	return t, true
}

// run is the single-concurrency merge worker.
func (a *applier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}

		for {
			t, ok := a.next()
			if !ok {
				break
			}

			var (
				newVersion uint64
				err        error
			)

			if len(t.payload) > 0 {
				newVersion, err = t.hist.Integrate(
					t.payload, t.clientVersion, t.serverVersion,
					t.originTimestamp, t.originFileIdent,
				)
			}

			t.conn.do(func() {
				s, ok := t.conn.sessions[t.sessionID]
				if !ok {
					// Session torn down while the task was queued.
					return
				}

				s.completeApply(t, newVersion, err)
			})
		}
	}
}
