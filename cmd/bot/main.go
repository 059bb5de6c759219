package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dryonlabs/engage-bot/internal/classifier"
	"github.com/dryonlabs/engage-bot/internal/dispatch"
	"github.com/dryonlabs/engage-bot/internal/escalation"
	"github.com/dryonlabs/engage-bot/internal/flow"
	"github.com/dryonlabs/engage-bot/internal/notify"
	"github.com/dryonlabs/engage-bot/internal/outbound"
	"github.com/dryonlabs/engage-bot/internal/quota"
	"github.com/dryonlabs/engage-bot/internal/scheduler"
	"github.com/dryonlabs/engage-bot/internal/server"
	"github.com/dryonlabs/engage-bot/internal/storage"
	"github.com/dryonlabs/engage-bot/pkg/config"
)

const flowStepDelay = 2 * time.Second

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage with demo data")
		mem := storage.NewMemoryStorage()
		if err := storage.SeedDemoData(context.Background(), mem); err != nil {
			logger.Fatal("Failed to seed demo data", zap.Error(err))
		}
		store = mem
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Operator alert channel
	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.Fatal("Failed to create operator notifier", zap.Error(err))
		}
		notifier = tg
		logger.Info("Operator alerts enabled", zap.Int64("chat_id", cfg.Telegram.ChatID))
	}

	// Outbound delivery: real Graph API calls need a page token, demo runs
	// keep replies in memory.
	var sender outbound.Sender
	if cfg.Meta.PageToken != "" {
		sender = outbound.NewGraphSender(cfg.Meta.GraphBaseURL, cfg.Meta.PageToken, logger)
	} else {
		logger.Info("No page token configured, outbound replies stay in memory")
		sender = outbound.NewMemorySender()
	}

	// Daily reply caps are tracked in the account's local day
	loc, err := time.LoadLocation(cfg.Account.Timezone)
	if err != nil {
		logger.Fatal("Failed to load account timezone",
			zap.Error(err),
			zap.String("timezone", cfg.Account.Timezone))
	}
	tracker := quota.NewTracker(loc)
	if err := seedQuota(context.Background(), store, tracker); err != nil {
		logger.Fatal("Failed to restore daily quota counters", zap.Error(err))
	}

	// Initialize classifier
	clf := classifier.NewGPTClassifier(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second,
		logger,
	)

	sched := scheduler.New(
		store,
		sender,
		notifier,
		cfg.Scheduler.MaxDeliveryAttempts,
		time.Duration(cfg.Scheduler.BackoffBaseMillis)*time.Millisecond,
		logger,
	)
	defer sched.Stop()

	queue := escalation.NewQueue(store, notifier, logger)

	flows := flow.NewEngine(store, sched, queue, flowStepDelay, logger)
	defer flows.Stop()

	dispatcher, err := dispatch.New(store, clf, tracker, sched, flows, queue, logger)
	if err != nil {
		logger.Fatal("Failed to create dispatcher", zap.Error(err))
	}

	srv := server.New(dispatcher, queue, flows, cfg.Webhook.VerifyToken, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting webhook server", zap.String("addr", addr))
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
	logger.Info("Stopped")
}

// seedQuota replays today's reply counts from storage so a restart does not
// reset daily caps. Counts stamped with an earlier day are discarded.
func seedQuota(ctx context.Context, store storage.Storage, tracker *quota.Tracker) error {
	rules, err := store.ListActiveRules(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		tracker.SeedForDay(rule.ID, rule.RepliesToday, rule.RepliesDate)
	}
	return nil
}
