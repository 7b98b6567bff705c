// Package server exposes the connection facade as a local JSON API with a
// server-sent event stream, so a UI can drive the device without linking Go.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"fwlink/internal/logx"
)

// Run listens on cfg.Listen and serves until ctx is canceled.
func Run(ctx context.Context, b Backend, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	return Serve(ctx, ln, b, cfg)
}

// Serve serves the API on ln until ctx is canceled, then shuts down,
// ending open event streams.
func Serve(ctx context.Context, ln net.Listener, b Backend, cfg Config) error {
	logx.Debugf("server config: listen=%s dedupTTL=%s dedupCap=%d heartbeat=%s",
		ln.Addr(), cfg.DedupTTL, cfg.DedupCap, cfg.Heartbeat)

	baseCtx, stopStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStreams()

	srv := &http.Server{
		Handler:           NewHandler(b, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logx.Infof("server: listening on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Warnf("server: shutdown: %v", err)
		_ = srv.Close()
	}
	<-errCh
	logx.Infof("server: stopped")
	return nil
}
