package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/adapter/duelpresenter"
	"github.com/park285/cheese-duel/internal/arbiter"
	appcfg "github.com/park285/cheese-duel/internal/config"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/relay"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/store"
	"github.com/park285/cheese-duel/internal/wsgate"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("duel_messages_load_failed", zap.Error(err))
	}
	formatter := duelpresenter.NewFormatter(cat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := session.RegistryOptions{
		Arbiter: arbiter.Options{
			HistoryLimit:     cfg.HistoryLimit,
			SubscriberBuffer: cfg.SubscriberBuffer,
		},
		MaxSessions: cfg.MaxSessions,
	}

	// drained after the registry closes, before the stores do
	var followers []interface{ Wait(context.Context) error }

	// Redis journal: live matches survive a restart
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err = store.NewRedis(ictx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal("duel_redis_init_failed", zap.Error(err))
		}
		journals := store.NewJournals(rdb)
		followers = append(followers, journals)
		opts.Loader = journals
		opts.Hooks = append(opts.Hooks, func(ctx context.Context, s *session.Session) {
			if err := journals.Follow(ctx, s); err != nil {
				logger.Warn("duel_journal_follow_failed", zap.String("code", s.Code()), zap.Error(err))
			}
		})
	}

	// Postgres archive of finished matches
	var results *store.Results
	if cfg.DatabaseURL != "" {
		ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
		results, err = store.NewResults(ictx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Fatal("duel_results_init_failed", zap.Error(err))
		}
		followers = append(followers, results)
		opts.Hooks = append(opts.Hooks, func(ctx context.Context, s *session.Session) {
			if err := results.Follow(ctx, s); err != nil {
				logger.Warn("duel_results_follow_failed", zap.String("code", s.Code()), zap.Error(err))
			}
		})
	}

	if cfg.RelayURL != "" {
		rc := relay.NewClient(cfg.RelayURL,
			relay.WithTimeout(cfg.RelayTimeout),
			relay.WithSecret(cfg.RelaySecret),
			relay.WithFormatter(formatter),
		)
		followers = append(followers, rc)
		opts.Hooks = append(opts.Hooks, func(ctx context.Context, s *session.Session) {
			if err := rc.Follow(ctx, s); err != nil {
				logger.Warn("duel_relay_follow_failed", zap.String("code", s.Code()), zap.Error(err))
			}
		})
	}

	reg := session.NewRegistry(rules.NewChess(), opts)
	srv := wsgate.NewServer(reg, formatter, wsgate.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.PingInterval,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(cfg.Addr) }()
	logger.Info("duel_server_start",
		zap.String("addr", cfg.Addr),
		zap.Bool("redis", rdb != nil),
		zap.Bool("results", results != nil),
		zap.Bool("relay", cfg.RelayURL != ""),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("duel_http_failed", zap.Error(err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var result *multierror.Error
	if err := srv.Close(sctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := reg.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, f := range followers {
		if err := f.Wait(sctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("drain followers: %w", err))
		}
	}
	if err := results.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Warn("duel_shutdown_errors", zap.Error(err))
	}
	logger.Info("duel_server_stop")
}
