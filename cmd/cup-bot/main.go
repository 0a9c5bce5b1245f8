package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beercup/cup-bot/internal/bot"
	appcfg "github.com/beercup/cup-bot/internal/config"
	"github.com/beercup/cup-bot/internal/msgcat"
	"github.com/beercup/cup-bot/internal/obslog"
	"github.com/beercup/cup-bot/internal/pending"
	"github.com/beercup/cup-bot/internal/rating"
	"github.com/beercup/cup-bot/internal/session"
	"github.com/beercup/cup-bot/internal/store"
	"github.com/beercup/cup-bot/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	cat, err := msgcat.New(cfg.MessageDir)
	if err != nil {
		logger.Fatal("message catalog init error", zap.Error(err))
	}

	var st store.Store
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	} else {
		st, err = store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres init error", zap.Error(err))
		}
	}
	defer st.Close()

	var sessions session.Store
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, using in-memory session store")
		sessions = session.NewMemoryStore()
	} else {
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis init error", zap.Error(err))
		}
	}
	cache := session.NewCache(sessions)

	rcfg := rating.Config{
		Default:     cfg.RatingDefault,
		ScaleFactor: cfg.RatingScaleFactor,
		BaseGain:    cfg.RatingBaseGain,
	}

	adapter, err := telegram.New(cfg.BotToken)
	if err != nil {
		logger.Fatal("telegram init error", zap.Error(err))
	}

	coord := pending.NewCoordinator(st, cache, adapter, cat, rcfg)
	b := bot.New(st, cache, coord, adapter, cat, rcfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return adapter.Run(ctx, b)
	})

	logger.Info("cup-bot running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("run error", zap.Error(err))
	}
	logger.Info("cup-bot stopped")
}
