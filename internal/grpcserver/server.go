package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"mnist-backend/internal/core/inference"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const RequestIdHeader = "x-request-id"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewServer(engine *inference.Engine) *Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor, RecoveryInterceptor))

	s.RegisterService(&MnistServiceDesc, NewMnistService(engine))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	return &Server{grpc: s, health: hs}
}

// Serve blocks until ctx is cancelled or the listener fails. Cancellation
// drains in-flight calls before returning.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting mnist grpc server", "address", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal, stopping server")
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		slog.Info("server stopped")
		return nil
	}
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// RecoveryInterceptor turns a panic in a handler into a codes.Internal error
// so one bad request cannot take down the server.
func RecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered from panic in handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			res, err = nil, status.Errorf(codes.Internal, "internal error handling %s", info.FullMethod)
		}
	}()
	return handler(ctx, req)
}

// LoggingInterceptor tags each call with a request id, returned to the
// caller as a response header, and logs its outcome and latency.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	requestId := uuid.New().String()

	from := ""
	if p, ok := peer.FromContext(ctx); ok {
		from = p.Addr.String()
	}

	logger := slog.With("request_id", requestId, "method", info.FullMethod)
	logger.Info("started processing request", "from", from)

	if err := grpc.SetHeader(ctx, metadata.Pairs(RequestIdHeader, requestId)); err != nil {
		logger.Warn("unable to set request id header", "error", err)
	}

	res, err := handler(ctx, req)

	code := status.Code(err)
	if err != nil {
		logger.Error("finished processing request", "status_code", code.String(), "latency_ms", time.Since(start).Milliseconds(), "error", err)
	} else {
		logger.Info("finished processing request", "status_code", code.String(), "latency_ms", time.Since(start).Milliseconds())
	}
	return res, err
}
