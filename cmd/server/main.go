package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/collabcode/internal/config"
	"github.com/Tyrowin/collabcode/internal/persistence"
	"github.com/Tyrowin/collabcode/internal/server"
)

const (
	shutdownTimeout = 30 * time.Second
	connectTimeout  = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults and environment only when empty)")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	gateway, err := openGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to open persistence backend", "backend", cfg.Persistence.Backend, "error", err)
		os.Exit(1)
	}

	dispatcher := persistence.NewDispatcher(gateway, cfg.Persistence, logger)
	dispatcher.Start(context.Background())

	srv := server.New(cfg, dispatcher, logger)
	srv.Start()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("collaboration server started",
		"addr", cfg.Server.Addr,
		"backend", cfg.Persistence.Backend,
		"cache", cfg.Persistence.Cache,
		"allowed_origins", cfg.Server.AllowedOrigins)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			// One operation keeps the order fixed: sockets first, then the
			// queue they feed, then the store the queue writes to.
			"collab-server": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				var errs []error
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
				if err := dispatcher.Stop(ctx); err != nil {
					errs = append(errs, err)
				}
				if err := gateway.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close persistence backend: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", "code", exitCode)
	os.Exit(exitCode)
}

// openGateway connects the configured persistence backend.
func openGateway(cfg *config.Config, logger *slog.Logger) (persistence.Gateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch cfg.Persistence.Backend {
	case config.BackendMemory:
		return persistence.NewMemory(), nil

	case config.BackendRedis:
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return persistence.NewRedis(client, cfg.Redis.SnapshotTTL, nil, logger), nil

	case config.BackendPostgres:
		if cfg.Postgres.Migrate {
			if err := persistence.Migrate(persistence.BuildConnString(cfg.Postgres), logger); err != nil {
				return nil, err
			}
		}
		pool, err := persistence.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		pg := persistence.NewPostgres(pool)
		if !cfg.Persistence.Cache {
			return pg, nil
		}

		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		return persistence.NewRedis(client, cfg.Redis.SnapshotTTL, pg, logger), nil

	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
