package sync

import (
	"fmt"
	"log/slog"

	"github.com/mpreston/histsync/internal/history"
	"github.com/mpreston/histsync/internal/protocol"
	"github.com/mpreston/histsync/internal/state"
)

// FileIdentSink is implemented by history stores that want to know the
// allocated file identifier pair, e.g. to stamp future local commits.
type FileIdentSink interface {
	SetFileIdent(server, client uint64) error
}

// sessionConfig carries everything a session needs at creation.
type sessionConfig struct {
	serverPath string
	localPath  string
	store      *state.Store
	hist       history.Store

	// onError receives fatal session errors (merge failures, corrupt
	// local state). The session stops uploading after the first one.
	onError func(error)

	// onChange fires after a downloaded changeset has been integrated
	// into local history, with the new local version.
	onChange func(version uint64)
}

// Session is the synchronization state for one local database file
// against one remote path. Every method below Release/NotifyLocalChange
// runs on the owning connection's control goroutine.
//
// Watermark invariants, maintained here and checked by the tests:
// latestUploaded never exceeds latestAvailable; progress.ServerVersion
// is strictly increasing across accepted changeset/accept messages; the
// identifier pair never changes once set.
type Session struct {
	id     int
	conn   *Connection
	logger *slog.Logger

	serverPath string
	localPath  string
	store      *state.Store
	hist       history.Store
	onError    func(error)
	onChange   func(version uint64)

	client *Client
	key    sessionKey

	ident    state.FileIdent
	progress state.Progress

	// latestAvailable is the highest local commit version observed.
	latestAvailable uint64

	// latestUploaded is the highest local version already sent on the
	// current connection. It advances on message-send completion, not
	// on acknowledgement, and is re-derived from the durable progress
	// watermark at every connection open.
	latestUploaded uint64

	// threshold is the highest server version already reflected in
	// local history, computed once at creation. Server retransmissions
	// at or below it are skipped without re-applying.
	threshold uint64

	bound          bool
	uploadInFlight bool
	errored        bool
	released       bool
}

func newSession(c *Connection, cfg sessionConfig) (*Session, error) {
	ident, err := cfg.store.FileIdent(cfg.localPath)
	if err != nil {
		return nil, fmt.Errorf("loading file identity: %w", err)
	}

	progress, err := cfg.store.Progress(cfg.localPath)
	if err != nil {
		return nil, fmt.Errorf("loading sync progress: %w", err)
	}

	available, err := cfg.hist.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("reading current version: %w", err)
	}

	threshold, err := cfg.hist.LastIntegratedServerVersion()
	if err != nil {
		return nil, fmt.Errorf("deriving server version threshold: %w", err)
	}

	c.nextSessionID++
	id := c.nextSessionID

	s := &Session{
		id:              id,
		conn:            c,
		logger:          c.logger.With(slog.Int("session", id), slog.String("path", cfg.serverPath)),
		serverPath:      cfg.serverPath,
		localPath:       cfg.localPath,
		store:           cfg.store,
		hist:            cfg.hist,
		onError:         cfg.onError,
		onChange:        cfg.onChange,
		ident:           ident,
		progress:        progress,
		latestAvailable: available,
		latestUploaded:  progress.ClientVersion,
		threshold:       threshold,
	}

	s.logger.Debug("session created",
		slog.Uint64("available", available),
		slog.Uint64("progress_server", progress.ServerVersion),
		slog.Uint64("progress_client", progress.ClientVersion),
		slog.Uint64("threshold", threshold),
	)

	return s, nil
}

// NotifyLocalChange tells the session new local commits may exist. Safe
// to call from any goroutine; this is the callback local writers (or the
// commit watcher) use after committing.
func (s *Session) NotifyLocalChange() {
	s.conn.do(func() {
		if s.released || s.errored {
			return
		}

		v, err := s.hist.CurrentVersion()
		if err != nil {
			s.logger.Warn("reading current version", slog.String("error", err.Error()))
			return
		}

		if v > s.latestAvailable {
			s.latestAvailable = v
		}

		s.resumeUpload()
	})
}

// Release drops the caller's reference. When the last reference is
// released the session unbinds from the server and detaches from its
// connection.
func (s *Session) Release() {
	if s.client != nil {
		s.client.release(s)
		return
	}

	s.conn.detach(s, false)
}

// connectionDidOpen re-derives the next handshake step purely from the
// persisted identity pair and watermarks. No transition history survives
// a reconnect; that is what makes arbitrary message loss safe.
func (s *Session) connectionDidOpen() {
	s.bound = false
	s.uploadInFlight = false

	// Sends completed on the previous connection but never accepted are
	// retransmitted; the server deduplicates by upload version.
	s.latestUploaded = s.progress.ClientVersion

	if s.errored {
		return
	}

	if s.ident.IsZero() {
		s.conn.enqueue(frameMessage(protocol.AllocFrame(s.id, s.serverPath), nil))
		s.logger.Debug("requested file identity allocation")

		return
	}

	s.sendBind()
}

// connectionDidClose suspends uploads. The session itself survives;
// the connection-level closure is transient.
func (s *Session) connectionDidClose() {
	s.bound = false
	s.uploadInFlight = false
}

func (s *Session) sendBind() {
	s.conn.enqueue(frameMessage(protocol.BindFrame(
		s.id, s.ident.Server, s.ident.Client,
		s.progress.ServerVersion, s.progress.ClientVersion,
		s.serverPath,
	), nil))

	s.bound = true
	s.logger.Debug("bound",
		slog.Uint64("server_ident", s.ident.Server),
		slog.Uint64("client_ident", s.ident.Client),
	)

	s.resumeUpload()
}

// handleAlloc processes the server's identifier-allocation reply. A
// duplicate reply for an already-bound session is accepted without
// regressing state.
func (s *Session) handleAlloc(msg protocol.Message) {
	if !s.ident.IsZero() {
		if msg.ServerFileIdent != s.ident.Server || msg.ClientFileIdent != s.ident.Client {
			s.logger.Warn("ignoring conflicting identity allocation",
				slog.Uint64("server_ident", msg.ServerFileIdent),
				slog.Uint64("client_ident", msg.ClientFileIdent),
			)

			return
		}

		if !s.bound {
			s.sendBind()
		}

		return
	}

	ident := state.FileIdent{Server: msg.ServerFileIdent, Client: msg.ClientFileIdent}

	if err := s.store.SetFileIdent(s.localPath, ident); err != nil {
		s.fail(fmt.Errorf("persisting file identity: %w", err))
		return
	}

	if sink, ok := s.hist.(FileIdentSink); ok {
		if err := sink.SetFileIdent(ident.Server, ident.Client); err != nil {
			s.fail(fmt.Errorf("attaching file identity to history: %w", err))
			return
		}
	}

	s.ident = ident
	s.logger.Info("file identity allocated",
		slog.Uint64("server_ident", ident.Server),
		slog.Uint64("client_ident", ident.Client),
	)

	s.sendBind()
}

// resumeUpload sends the next unsent local-origin commit, if any. At
// most one upload is in flight per session; the message's completion
// callback advances the watermark and re-invokes this, producing a tight
// single-flight pipeline.
func (s *Session) resumeUpload() {
	if s.errored || !s.bound || s.uploadInFlight || s.conn.state != connOpen {
		return
	}

	for v := s.latestUploaded + 1; v <= s.latestAvailable; v++ {
		e, err := s.hist.Entry(v)
		if err != nil {
			s.fail(fmt.Errorf("reading history entry %d: %w", v, err))
			return
		}

		if e.OriginFileIdent != 0 {
			// Foreign-origin commit: re-uploading it would bounce the
			// change back and forth between the two copies forever.
			continue
		}

		// The history record may be mutated or discarded once local
		// history advances; the payload must be copied.
		payload := append([]byte(nil), e.Changeset...)
		sent := v

		s.uploadInFlight = true
		s.conn.enqueue(frameMessage(
			protocol.UploadFrame(s.id, sent, e.RemoteVersion, e.OriginTimestamp, payload),
			func() {
				s.uploadInFlight = false
				s.latestUploaded = sent
				s.resumeUpload()
			},
		))

		s.logger.Debug("uploading changeset",
			slog.Uint64("version", sent),
			slog.Int("bytes", len(payload)),
		)

		return
	}
	// Nothing unsent: idle until the next local change notification.
}

// handleChangeset processes a downloaded changeset. The progress marker
// advances here, on the control goroutine, before background application
// is scheduled; this ordering keeps the monotonicity checks correct even
// though application is asynchronous.
func (s *Session) handleChangeset(msg protocol.Message) error {
	if s.errored {
		// The session failed fatally; nothing further may be merged into
		// local history, or a hole appears where the failed change belongs.
		return nil
	}

	if msg.ServerVersion <= s.progress.ServerVersion {
		return fmt.Errorf("session %d: changeset server version %d not above progress %d",
			s.id, msg.ServerVersion, s.progress.ServerVersion)
	}

	if msg.ClientVersion != s.progress.ClientVersion {
		return fmt.Errorf("session %d: changeset client version %d does not match progress %d",
			s.id, msg.ClientVersion, s.progress.ClientVersion)
	}

	s.progress.ServerVersion = msg.ServerVersion

	task := applyTask{
		conn:            s.conn,
		sessionID:       s.id,
		hist:            s.hist,
		serverVersion:   msg.ServerVersion,
		clientVersion:   msg.ClientVersion,
		originTimestamp: msg.OriginTimestamp,
		originFileIdent: msg.OriginFileIdent,
	}

	if msg.ServerVersion > s.threshold {
		task.payload = msg.Body
	} else {
		// Retransmission of a change already in local history. Skip the
		// merge but still persist the marker, so the watermark itself
		// stays crash-consistent.
		s.logger.Debug("skipping retransmitted changeset",
			slog.Uint64("server_version", msg.ServerVersion),
			slog.Uint64("threshold", s.threshold),
		)
	}

	s.conn.applier.submit(task)

	return nil
}

// handleAccept processes the server's acknowledgement of a previously
// uploaded local change.
func (s *Session) handleAccept(msg protocol.Message) error {
	if s.errored {
		return nil
	}

	if msg.ServerVersion <= s.progress.ServerVersion {
		return fmt.Errorf("session %d: accept server version %d not above progress %d",
			s.id, msg.ServerVersion, s.progress.ServerVersion)
	}

	if msg.ClientVersion <= s.progress.ClientVersion {
		return fmt.Errorf("session %d: accept client version %d not above progress %d",
			s.id, msg.ClientVersion, s.progress.ClientVersion)
	}

	if msg.ClientVersion > s.latestUploaded {
		return fmt.Errorf("session %d: accept client version %d beyond uploaded %d",
			s.id, msg.ClientVersion, s.latestUploaded)
	}

	s.progress.ServerVersion = msg.ServerVersion
	s.progress.ClientVersion = msg.ClientVersion

	// No bytes to apply; the marker still travels through the applier
	// queue so persistence stays ordered with pending applications.
	s.conn.applier.submit(applyTask{
		conn:          s.conn,
		sessionID:     s.id,
		hist:          s.hist,
		serverVersion: msg.ServerVersion,
		clientVersion: msg.ClientVersion,
	})

	s.logger.Debug("upload accepted",
		slog.Uint64("server_version", msg.ServerVersion),
		slog.Uint64("client_version", msg.ClientVersion),
	)

	return nil
}

// completeApply is the ordered hand-back from the background applier:
// persist the watermark, surface the new local version, resume uploads.
func (s *Session) completeApply(t applyTask, newVersion uint64, applyErr error) {
	if s.errored {
		return
	}

	if applyErr != nil {
		s.fail(fmt.Errorf("applying changeset for server version %d: %w", t.serverVersion, applyErr))
		return
	}

	p := state.Progress{ServerVersion: t.serverVersion, ClientVersion: t.clientVersion}
	if err := s.store.SetProgress(s.localPath, p); err != nil {
		s.logger.Warn("persisting progress marker",
			slog.Uint64("server_version", t.serverVersion),
			slog.String("error", err.Error()),
		)
	}

	if newVersion > 0 {
		if newVersion > s.latestAvailable {
			s.latestAvailable = newVersion
		}

		s.logger.Info("server change applied",
			slog.Uint64("server_version", t.serverVersion),
			slog.Uint64("local_version", newVersion),
		)

		if s.onChange != nil {
			s.onChange(newVersion)
		}
	}

	s.resumeUpload()
}

// fail marks the session as failed and surfaces the error to the owning
// application. Merge errors are not retried: the same bytes would fail
// the same way.
func (s *Session) fail(err error) {
	if s.errored {
		return
	}

	s.errored = true
	s.logger.Error("session failed", slog.String("error", err.Error()))

	if s.onError != nil {
		s.onError(err)
	}
}
