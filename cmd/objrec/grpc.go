package main

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrec/internal/health"
)

// handleGRPCServer serves the gRPC health service on addr until ctx is done.
func handleGRPCServer(ctx context.Context, addr string, srv *health.Server, wg *sync.WaitGroup, errc chan<- error, logger *zap.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		lis, err := net.Listen("tcp", addr)
		if err != nil {
			errc <- errors.Wrap(err, "grpc listen")
			return
		}

		go func() {
			if err := srv.Serve(lis); err != nil {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down gRPC server", zap.String("addr", addr))
		srv.Stop()
	}()
}
