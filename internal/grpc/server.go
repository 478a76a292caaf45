package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"nyyu-pricefeed/internal/cache"
	"nyyu-pricefeed/internal/config"
	"nyyu-pricefeed/internal/gateway"
	"nyyu-pricefeed/internal/models"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type Server struct {
	config     *config.Config
	prices     gateway.PriceSource
	hub        gateway.Hub
	limiter    *gateway.ConnectionLimiter
	logger     *logrus.Logger
	grpcServer *grpc.Server
	health     *health.Server
	startTime  time.Time
}

func NewServer(
	cfg *config.Config,
	prices gateway.PriceSource,
	hub gateway.Hub,
	limiter *gateway.ConnectionLimiter,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		config:    cfg,
		prices:    prices,
		hub:       hub,
		limiter:   limiter,
		logger:    logger,
		health:    health.NewServer(),
		startTime: time.Now(),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.MaxSendMsgSize(4 * 1024 * 1024),
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}

	s.grpcServer = grpc.NewServer(opts...)
	registerPriceService(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(priceServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Infof("gRPC server listening on :%d", s.config.Server.GRPCPort)
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.logger.Info("Stopping gRPC server...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	duration := time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": duration.Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	duration := time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": duration.Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}

// Helper to convert errors to gRPC status
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrInvalidPair):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, gateway.ErrCapacity):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, cache.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
