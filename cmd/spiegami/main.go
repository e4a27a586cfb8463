// Command spiegami runs the streaming generation relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/simplifai/spiegami"
	"github.com/simplifai/spiegami/meter"
	"github.com/simplifai/spiegami/quota"
	quotapg "github.com/simplifai/spiegami/quota/postgres"
	quotaredis "github.com/simplifai/spiegami/quota/redis"
	"github.com/simplifai/spiegami/server"
	"github.com/simplifai/spiegami/upstream/gemini"
)

func main() {
	root := &cobra.Command{
		Use:           "spiegami",
		Short:         "Streaming generation relay with per-caller daily quotas",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	root.Flags().StringP("config", "c", "config.yaml", "path to the configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := spiegami.LoadConfig(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gate, cleanup, err := buildGate(ctx, cfg.Quota, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var clientOpts []gemini.Option
	if cfg.Upstream.BaseURL != "" {
		clientOpts = append(clientOpts, gemini.WithBaseURL(cfg.Upstream.BaseURL))
	}
	client := gemini.New(cfg.Upstream.APIKey, cfg.Upstream.Model, clientOpts...)

	svc := spiegami.NewService(client,
		spiegami.WithGate(gate),
		spiegami.WithMeter(meter.NewLogMeter(logger)),
		spiegami.WithLogger(logger),
		spiegami.WithTemperature(cfg.Upstream.Temperature),
		spiegami.WithUpstreamTimeout(cfg.Upstream.Timeout()),
	)

	srv := server.New(svc, server.WithModelLister(client), server.WithLogger(logger))

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "quota_backend", cfg.Quota.Backend)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func buildGate(ctx context.Context, cfg spiegami.QuotaConfig, logger *slog.Logger) (spiegami.QuotaGate, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case "off":
		return spiegami.UnmeteredGate{}, noop, nil

	case "memory":
		return quota.NewMemoryGate(cfg.DailyLimit), noop, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		gate := quotaredis.New(client, cfg.DailyLimit,
			quotaredis.WithKeyPrefix(cfg.KeyPrefix),
			quotaredis.WithLogger(logger),
		)
		return gate, func() { client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		gate := quotapg.New(pool, cfg.DailyLimit, quotapg.WithLogger(logger))
		if err := gate.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		go purgeLoop(ctx, gate, logger)
		return gate, pool.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown quota backend %q", cfg.Backend)
	}
}

// purgeLoop removes expired counters once an hour until ctx ends.
func purgeLoop(ctx context.Context, gate *quotapg.Gate, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := gate.PurgeExpired(ctx); err != nil {
				logger.Warn("quota purge failed", "error", err)
			} else if n > 0 {
				logger.Info("quota counters purged", "rows", n)
			}
		}
	}
}
