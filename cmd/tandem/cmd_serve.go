package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"tandem/pkg/api"
	"tandem/pkg/batch"
	"tandem/pkg/lock"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, &rootOptions{json: o.json, verbose: true, logFormat: "json"}, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			return serve(cmd.Context(), a, addr, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, a *app, addr string, logger *slog.Logger) error {
	rep, err := a.mgr.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	logger.Info("startup reconcile", "reclaimed_locks", len(rep.ReclaimedLocks),
		"failed_sessions", len(rep.FailedSessions), "interrupted", rep.InterruptedIterations)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(a.mgr, batch.New(a.cfg.Concurrency, logger), a.events, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go sweepLocks(ctx, a.mgr.Locks(), a.cfg.LockTTL.Duration/2, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// sweepLocks reclaims stale locks every interval until ctx is done.
func sweepLocks(ctx context.Context, locks *lock.Manager, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := locks.CleanupStaleLocks(ctx, 0)
			if err != nil {
				logger.Warn("lock sweep failed", "error", err)
				continue
			}
			for _, l := range reclaimed {
				logger.Info("reclaimed stale lock", "session", l.SessionID, "holder", l.Holder)
			}
		}
	}
}
