package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpreston/histsync/internal/config"
	"github.com/mpreston/histsync/internal/history"
	"github.com/mpreston/histsync/internal/logging"
	"github.com/mpreston/histsync/internal/state"
	"github.com/mpreston/histsync/internal/sync"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("histsync starting", slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	specs, err := cfg.Sessions()
	if err != nil {
		return err
	}

	store, err := state.Load(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	client := sync.NewClient(sync.ClientConfig{
		AppID:  cfg.AppID,
		UserID: cfg.UserID,
		Store:  store,
	}, logger)
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)

	for _, spec := range specs {
		g.Go(func() error {
			return runSession(gctx, client, spec, logger)
		})
	}

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Normal shutdown via signal.
		logger.Info("histsync stopped")
		return nil
	}

	return err
}

// runSession opens the local change log, attaches a sync session for it
// and watches the database file for new commits until ctx is cancelled.
func runSession(ctx context.Context, client *sync.Client, spec config.SessionSpec, logger *slog.Logger) error {
	log, err := history.Open(spec.DB)
	if err != nil {
		return err
	}
	defer log.Close()

	errCh := make(chan error, 1)

	sess, err := client.Session(ctx, spec.Server, spec.Remote, spec.DB, log, sync.SessionOptions{
		OnError: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
		OnChange: func(version uint64) {
			logger.Debug("local history advanced",
				slog.String("db", spec.DB),
				slog.Uint64("version", version),
			)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Release()

	watcher := sync.NewCommitWatcher(spec.DB, sess, logger)

	watchErr := make(chan error, 1)

	go func() {
		watchErr <- watcher.Watch(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("session for %s failed: %w", spec.DB, err)
	case err := <-watchErr:
		return err
	}
}
