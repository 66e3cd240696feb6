// Package server provides gRPC and HTTP server implementations with middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/instchat/internal/auth"
	"github.com/knoguchi/instchat/internal/chat"
)

const (
	chatServiceName = "chat.v1.ChatService"
	generateMethod  = "/" + chatServiceName + "/Generate"
)

// ChatServer is the server API for chat.v1.ChatService.
type ChatServer interface {
	Generate(*GenerateRequest, grpc.ServerStream) error
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: chatServiceName,
	HandlerType: (*ChatServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Generate",
			Handler:       generateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chat/v1/chat.proto",
}

func generateHandler(srv any, stream grpc.ServerStream) error {
	req := new(GenerateRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ChatServer).Generate(req, stream)
}

// chatService adapts chat.Service to ChatServer.
type chatService struct {
	chat *chat.Service
}

func (c *chatService) Generate(req *GenerateRequest, stream grpc.ServerStream) error {
	req.Sampling = withDefaults(req.Sampling)

	seq, err := c.chat.Generate(stream.Context(), req.relayRequest(c.chat.SystemPrompt()))
	if err != nil {
		return grpcError(err)
	}

	for text, err := range seq {
		if err != nil {
			return grpcError(err)
		}
		if err := stream.SendMsg(&GenerateResponse{Text: text}); err != nil {
			return err
		}
	}
	return nil
}

// GRPCServer wraps a gRPC server with service registration and lifecycle management
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	logger *slog.Logger
	port   int
}

// GRPCServerConfig holds configuration for the gRPC server
type GRPCServerConfig struct {
	Port   int
	Logger *slog.Logger
	Chat   *chat.Service
	APIKey *auth.APIKeyInterceptor
}

// NewGRPCServer creates a new gRPC server with interceptors
func NewGRPCServer(cfg GRPCServerConfig) (*GRPCServer, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == nil {
		apiKey = auth.NewAPIKeyInterceptor("")
	}

	// Create gRPC server with interceptors
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			recoveryUnaryInterceptor(logger),
			loggingUnaryInterceptor(logger),
			apiKey.UnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			recoveryStreamInterceptor(logger),
			loggingStreamInterceptor(logger),
			apiKey.StreamInterceptor(),
		),
	)

	server.RegisterService(&chatServiceDesc, &chatService{chat: cfg.Chat})
	logger.Info("registered ChatService")

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(chatServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		server: server,
		health: hs,
		logger: logger,
		port:   cfg.Port,
	}, nil
}

// Start listens on the configured port and serves
func (s *GRPCServer) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info("starting gRPC server", "address", addr)
	return s.Serve(listener)
}

// Serve accepts connections on lis until the server stops
func (s *GRPCServer) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the gRPC server
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")
	s.health.Shutdown()

	// Create a channel to signal when GracefulStop completes
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	// Wait for graceful stop or context cancellation
	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("graceful shutdown timeout, forcing stop")
		s.server.Stop()
		return ctx.Err()
	}
}

// loggingUnaryInterceptor logs unary RPC calls
func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		logger.Info("gRPC request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
			"error", err,
		)

		return resp, err
	}
}

// loggingStreamInterceptor logs streaming RPC calls
func loggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		err := handler(srv, ss)

		logger.Info("gRPC stream",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
			"error", err,
		)

		return err
	}
}

// recoveryUnaryInterceptor recovers from panics in unary handlers
func recoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gRPC handler",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// recoveryStreamInterceptor recovers from panics in stream handlers
func recoveryStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gRPC stream handler",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(srv, ss)
	}
}
