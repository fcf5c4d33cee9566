package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/example/irisdx/internal/logging"
)

// ServiceName is the health service name reported next to the overall "" status.
const ServiceName = "irisdx.Diagnosis"

// Server exposes grpc.health.v1 for the diagnosis service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New starts in NOT_SERVING; call SetServing once a model is loaded.
func New(logger *zap.Logger) *Server {
	s := &Server{health: health.NewServer(), logger: logger}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.SetServing(false)
	return s
}

// SetServing flips the overall and the service status together.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks until ctx is done or the listener fails. On cancellation
// in-flight calls are drained before returning.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.grpc.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return logging.NewOperationError("grpcserver.serve", lis.Addr().String(), err)
		}
		return nil
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return <-errCh
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		s.logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
		return resp, err
	}
	s.logger.Debug("grpc call", fields...)
	return resp, nil
}
