package main

import (
	"fmt"
	"net"

	"portal-relay/src/config"
	"portal-relay/src/logger"
)

// -----------------------------------------------------------------------------

// startServers runs the gateway and the gRPC control server. The first
// failure of either is sent on the returned channel.
func startServers(a *app, conf *config.Config, appLogger *logger.Logger) <-chan error {
	errs := make(chan error, 2)

	// 1. Gateway (HTTP routes and client sockets)
	go func() {
		if err := a.gateway.Start(); err != nil {
			errs <- fmt.Errorf("gateway: %w", err)
		}
	}()

	// 2. gRPC Control Server
	go func() {
		addr := fmt.Sprintf("%s:%d", conf.GrpcHost, conf.GrpcPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			errs <- fmt.Errorf("failed to listen for gRPC: %w", err)
			return
		}
		appLogger.Info("Starting gRPC Control Server on %s", addr)
		if err := a.grpc.Serve(lis); err != nil {
			errs <- fmt.Errorf("failed to serve gRPC: %w", err)
		}
	}()

	return errs
}
