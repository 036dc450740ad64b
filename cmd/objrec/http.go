package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// handleHTTPServer starts an HTTP server on addr. It shuts the server down
// when ctx is done. Serve errors are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan<- error, logger *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- errors.Wrap(err, "http server")
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server", zap.String("addr", addr))

		// Shutdown gracefully with a 5s timeout; streaming clients are cut.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("failed to shutdown", zap.Error(err))
			srv.Close()
		}
	}()
}
