package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
)

// Server hosts BacktestService on a gRPC listener.
type Server struct {
	addr   string
	grpc   *grpc.Server
	logger *slog.Logger
}

// NewServer creates a Server for addr with svc registered.
func NewServer(addr string, svc BacktestServer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer()
	RegisterBacktestServer(gs, svc)
	return &Server{
		addr:   addr,
		grpc:   gs,
		logger: logger.With("component", "grpc-server"),
	}
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gRPC server")
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the server gracefully, forcing it closed if ctx ends
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}
