package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robotter-hq/mango-connect/cmd/mango-connect/internal/config"
	"github.com/robotter-hq/mango-connect/dataapi"
	"github.com/robotter-hq/mango-connect/fillsfeed"
	mlog "github.com/robotter-hq/mango-connect/log"
	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
	"github.com/robotter-hq/mango-connect/reconcile"
	"github.com/robotter-hq/mango-connect/storage"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	logger := slog.New(mlog.NewHandler(os.Stderr, cfg.LogLevel, cfg.LogFormatJSON))
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = mlog.ContextWithLogger(ctx, logger)

	store, err := storage.New(cfg.StoragePath, logger)
	if err != nil {
		fatal("storage init failed", err)
	}
	defer store.Close()

	tracker, err := ordertracker.New(
		ordertracker.WithSnapshotStore(store),
		ordertracker.WithLogger(logger),
	)
	if err != nil {
		fatal("tracker init failed", err)
	}

	history := dataapi.NewClient(cfg.DataAPIURL, dataapi.WithLogger(logger))

	account := orderid.AccountID(cfg.Account)
	engine := reconcile.New(tracker,
		reconcile.WithAccount(account),
		reconcile.WithTradeHistory(history),
		reconcile.WithLogger(logger),
	)

	feed := fillsfeed.NewFillsFeed(fillsfeed.FeedConfig{
		URL:                  cfg.FeedURL,
		ReconnectInterval:    cfg.ReconnectInterval,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		Logger:               logger,
	})
	engine.Bind(feed)
	feed.OnHead(func(head fillsfeed.HeadUpdate) {
		logger.Debug("head update",
			slog.String("market", head.MarketName),
			slog.Uint64("head", head.Head))
	})
	feed.OnDisconnect(func(exhausted bool) {
		if exhausted {
			logger.Error("fill stream permanently lost, shutting down")
			stop()
		}
	})

	markets := make([]orderid.MarketID, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets = append(markets, orderid.MarketID(m))
	}
	// Restored orders may reference markets beyond the configured set.
	markets = append(markets, engine.TrackedMarkets()...)

	feed.Subscribe(fillsfeed.SubscribeParams{
		MarketIDs:   markets,
		Accounts:    []orderid.AccountID{account},
		HeadUpdates: true,
	})

	if err := feed.Connect(ctx); err != nil {
		fatal("fill stream connect failed", err)
	}
	defer feed.Disconnect()

	logger.Info("mango-connect started",
		slog.String("account", cfg.Account),
		slog.Int("markets", len(markets)),
		slog.Int("tracked_orders", len(tracker.All())))

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			applied, err := engine.PollFills(ctx, cfg.PollLimit)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				logger.Warn("trade history poll failed", slog.String("error", err.Error()))
				continue
			}
			if applied > 0 {
				logger.Info("recovered fills from trade history", slog.Int("applied", applied))
			}
		}
	}
}
