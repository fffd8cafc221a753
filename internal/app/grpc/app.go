package grpcapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	authgrpc "identity/internal/grpc/auth"
	"identity/internal/lib/logger/sl"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type App struct {
	logger     *slog.Logger
	gRPCServer *grpc.Server
	port       int
}

func New(
	logger *slog.Logger,
	authService authgrpc.Auth,
	verifier authgrpc.Verifier,
	serverMetrics *grpcprometheus.ServerMetrics,
	timeout time.Duration,
	port int,
) *App {
	interceptors := []grpc.UnaryServerInterceptor{recoverer(logger)}
	if serverMetrics != nil {
		interceptors = append(interceptors, serverMetrics.UnaryServerInterceptor())
	}
	interceptors = append(interceptors,
		deadline(timeout),
		authgrpc.UnaryAuthInterceptor(verifier),
	)

	gRPCServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	authgrpc.Register(gRPCServer, logger, authService)

	if serverMetrics != nil {
		serverMetrics.InitializeMetrics(gRPCServer)
	}

	return &App{
		logger:     logger,
		gRPCServer: gRPCServer,
		port:       port,
	}
}

func (a *App) Run() error {
	const op = "grpcapp.Run"

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return a.Serve(listener)
}

// Serve blocks until Stop is called. A stop that races ahead of Serve is not an error.
func (a *App) Serve(listener net.Listener) error {
	const op = "grpcapp.Serve"

	log := a.logger.With(slog.String("op", op))
	log.Info("gRPC server is running", slog.String("address", listener.Addr().String()))

	if err := a.gRPCServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop() {
	const op = "grpcapp.Stop"
	log := a.logger.With(slog.String("op", op))
	log.Info("stopping gRPC server", slog.Int("port", a.port))

	a.gRPCServer.GracefulStop()
}

func recoverer(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in gRPC handler",
					slog.String("method", info.FullMethod),
					sl.Err(fmt.Errorf("%v", r)),
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return next(ctx, req)
	}
}

// deadline bounds every call that arrives without a shorter deadline of its own.
func deadline(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if timeout <= 0 {
			return next(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return next(ctx, req)
	}
}
