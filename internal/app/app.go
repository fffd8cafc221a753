package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	grpcapp "identity/internal/app/grpc"
	httpapp "identity/internal/app/http"
	"identity/internal/config"
	"identity/internal/events"
	"identity/internal/lib/jwt"
	"identity/internal/lib/logger/sl"
	"identity/internal/metrics"
	"identity/internal/services/auth"
	"identity/internal/storage/memory"
	"identity/internal/storage/mongodb"
	"identity/internal/storage/postgres"
	"identity/internal/storage/redis"
	"identity/internal/storage/sqlite"
	"identity/internal/tracing"
	"identity/migrations"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongoDB  = "mongodb"
)

const defaultConnectBackoff = 500 * time.Millisecond

var ErrUnknownDriver = errors.New("unknown storage driver")

type store interface {
	auth.UserSaver
	auth.UserProvider
	auth.RefreshTokenStore
}

type App struct {
	log     *slog.Logger
	HTTPSrv *httpapp.App
	GRPCSrv *grpcapp.App
	Auth    *auth.Auth
	closers []func(context.Context) error
}

// New wires storage, token issuer, events, metrics and tracing into the HTTP and gRPC servers.
// A misconfigured signing key is a programming error and panics.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.New"

	a := &App{log: log}

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: tracing: %w", op, err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	issuer, err := jwt.NewIssuer(jwt.Config{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TTL:      cfg.Auth.AccessTokenTTL,
	})
	if err != nil {
		panic(err)
	}

	users, err := a.openStore(ctx, cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var tokens auth.RefreshTokenStore = users
	if cfg.Redis.Enabled {
		rs, err := connect(ctx, log, "redis", cfg.Storage, func(ctx context.Context) (*redis.Storage, error) {
			return redis.New(ctx, redis.Config{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				Prefix:       cfg.Redis.Prefix,
				DialTimeout:  cfg.Redis.DialTimeout,
				ReadTimeout:  cfg.Redis.ReadTimeout,
				WriteTimeout: cfg.Redis.WriteTimeout,
				Retention:    cfg.Redis.Retention,
			})
		})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		tokens = rs
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafka(log, events.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			UsersTopic:    cfg.Kafka.UsersTopic,
			SecurityTopic: cfg.Kafka.SecurityTopic,
			WriteTimeout:  cfg.Kafka.WriteTimeout,
		})
	}
	a.closers = append(a.closers, func(context.Context) error { return publisher.Close() })

	m := metrics.New()

	a.Auth = auth.New(
		log,
		users,
		users,
		tokens,
		issuer,
		publisher,
		m,
		cfg.Auth.RefreshTokenTTL,
		cfg.Auth.RefreshPepper,
	)

	metricsHandler := m.Handler()
	if !cfg.Metrics.Enabled {
		metricsHandler = nil
	}

	a.HTTPSrv = httpapp.New(log, a.Auth, issuer, m, metricsHandler, httpapp.Config{
		Address:         cfg.HTTP.Address,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	if cfg.Grpc.Enabled {
		a.GRPCSrv = grpcapp.New(log, a.Auth, issuer, m.GRPC, cfg.Grpc.Timeout, cfg.Grpc.Port)
	}

	return a, nil
}

// Run serves until ctx is done or a server fails, then stops both servers.
func (a *App) Run(ctx context.Context) error {
	const op = "app.Run"

	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.HTTPSrv.Run)
	if a.GRPCSrv != nil {
		g.Go(a.GRPCSrv.Run)
	}

	g.Go(func() error {
		<-gctx.Done()

		if a.GRPCSrv != nil {
			a.GRPCSrv.Stop()
		}
		return a.HTTPSrv.Stop(context.Background())
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close releases storage, publishers and the tracer provider in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Error("failed to close resource", sl.Err(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (store, error) {
	sc := cfg.Storage

	switch sc.Driver {
	case DriverMemory:
		return memory.New(), nil

	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		if sc.AutoMigrate {
			if err := migrations.Up(migrations.DriverSQLite, sc.Path); err != nil {
				return nil, err
			}
		}
		s, err := sqlite.New(sc.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil

	case DriverPostgres:
		s, err := connect(ctx, a.log, "postgres", sc, func(ctx context.Context) (*postgres.Storage, error) {
			return postgres.New(ctx, sc.DSN, sc.QueryTimeout)
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		if sc.AutoMigrate {
			if err := migrations.Up(migrations.DriverPostgres, sc.DSN); err != nil {
				return nil, err
			}
		}
		return s, nil

	case DriverMongoDB:
		s, err := connect(ctx, a.log, "mongodb", sc, func(ctx context.Context) (*mongodb.Storage, error) {
			return mongodb.New(ctx, sc.MongoURI, sc.MongoDatabase)
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, sc.Driver)
	}
}

// connect retries dial with exponential backoff so the service survives a database that starts after it.
func connect[T any](
	ctx context.Context,
	log *slog.Logger,
	name string,
	sc config.StorageConfig,
	dial func(context.Context) (T, error),
) (T, error) {
	base := sc.ConnectBackoff
	if base <= 0 {
		base = defaultConnectBackoff
	}
	backoff := retry.WithMaxRetries(sc.ConnectRetries, retry.NewExponential(base))

	res, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (T, error) {
		v, err := dial(ctx)
		if err != nil {
			log.Warn("storage connect failed", slog.String("storage", name), sl.Err(err))
			return v, retry.RetryableError(err)
		}
		return v, nil
	})
	if err != nil {
		return res, fmt.Errorf("connect %s: %w", name, err)
	}

	return res, nil
}
