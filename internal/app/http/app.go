package httpapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	authhttp "identity/internal/http/auth"
	"identity/internal/http/middleware"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type App struct {
	logger          *slog.Logger
	server          *http.Server
	shutdownTimeout time.Duration
}

// New builds the HTTP surface. metricsHandler is mounted on /metrics when not nil.
func New(
	logger *slog.Logger,
	authService authhttp.Auth,
	verifier middleware.Verifier,
	observer middleware.Observer,
	metricsHandler http.Handler,
	cfg Config,
) *App {
	mux := http.NewServeMux()
	authhttp.Register(mux, logger, authService, middleware.Authenticate(verifier))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	handler := otelhttp.NewHandler(
		middleware.CorrelationID(middleware.AccessLog(logger, observer)(mux)),
		"identity.http",
	)

	return &App{
		logger: logger,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Handler returns the fully wrapped handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

func (a *App) Run() error {
	const op = "httpapp.Run"

	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return a.Serve(listener)
}

// Serve blocks until Stop is called. A graceful stop is not an error.
func (a *App) Serve(listener net.Listener) error {
	const op = "httpapp.Serve"

	log := a.logger.With(slog.String("op", op))
	log.Info("HTTP server is running", slog.String("address", listener.Addr().String()))

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop(ctx context.Context) error {
	const op = "httpapp.Stop"

	log := a.logger.With(slog.String("op", op))
	log.Info("stopping HTTP server", slog.String("address", a.server.Addr))

	if a.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.shutdownTimeout)
		defer cancel()
	}

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
