package grpchealth

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/brightstart/internal/logging"
)

// ServiceName is the health-checked service reported once the model is ready.
const ServiceName = "brightstart.Classifier"

// ReadinessProbe reports whether the classifier can serve.
type ReadinessProbe interface {
	Ready() bool
}

// Server exposes the standard gRPC health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	probe    ReadinessProbe
	interval time.Duration
	logger   *zap.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

// New builds a health server. The classifier service starts NOT_SERVING.
func New(probe ReadinessProbe, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger = logger.Named("grpc_health")
	s := &Server{
		grpc:     grpc.NewServer(grpc.UnaryInterceptor(unaryLogger(logger))),
		health:   health.NewServer(),
		probe:    probe,
		interval: interval,
		logger:   logger,
		last:     healthpb.HealthCheckResponse_NOT_SERVING,
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Refresh publishes the current readiness.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.probe.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if status != s.last {
		s.logger.Info("classifier health changed", zap.String("status", status.String()))
		s.last = status
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Monitor refreshes readiness until ctx is done.
func (s *Server) Monitor(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("latency", time.Since(start))}
		if err != nil {
			logger.Warn("grpc call failed", append(fields, logging.ErrorFields(err)...)...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return resp, err
	}
}
