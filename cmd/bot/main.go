package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/pagebot/internal/bot"
	"github.com/xaenox/pagebot/internal/cache"
	"github.com/xaenox/pagebot/internal/llm"
	"github.com/xaenox/pagebot/internal/models"
	"github.com/xaenox/pagebot/internal/notify"
	"github.com/xaenox/pagebot/internal/pipeline"
	"github.com/xaenox/pagebot/internal/provider"
	"github.com/xaenox/pagebot/internal/responder"
	"github.com/xaenox/pagebot/internal/retry"
	"github.com/xaenox/pagebot/internal/storage"
	"github.com/xaenox/pagebot/internal/webhook"
	"github.com/xaenox/pagebot/pkg/config"
	"github.com/xaenox/pagebot/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		Output:     cfg.Log.Output,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Bot error", zap.Error(err))
	}
	log.Info("Shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		log.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		log.Info("Using PostgreSQL storage")
		pg, err := storage.NewPostgresStorage(ctx, storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		store = pg
	}
	defer store.Close()

	// Dedupe and order notifications share one Redis connection when configured
	var (
		deduper  cache.Deduper   = cache.NewMemoryDeduper(cfg.Redis.DedupeTTL)
		notifier notify.Notifier = notify.NewLogNotifier(log)
	)
	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		deduper = cache.NewRedisDeduper(client, cfg.Redis.DedupeTTL)
		notifier = notify.NewRedisNotifier(client)
		log.Info("Using Redis for dedupe and notifications")
	}

	model, err := buildModels(ctx, cfg, log)
	if err != nil {
		return err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	senders := provider.NewRouter()
	senders.Register(provider.NewMetaClient(provider.MetaConfig{
		GraphURL:     cfg.Meta.GraphURL,
		InstagramURL: cfg.Meta.InstagramURL,
		Timeout:      cfg.Meta.Timeout,
	}, log), models.PlatformFacebook, models.PlatformInstagram)

	var tg *bot.Bot
	if cfg.Telegram.Token != "" {
		tg, err = bot.New(cfg.Telegram.Token, log)
		if err != nil {
			return err
		}
		if err := tg.Register(ctx, store, cfg.Telegram.OwnerUserID); err != nil {
			return err
		}
		senders.Register(tg, models.PlatformTelegram)
	}

	processor := pipeline.New(pipeline.Deps{
		Store:   store,
		Deduper: deduper,
		Responder: responder.New(model, notifier, policy, responder.Defaults{
			Model:       cfg.AI.DefaultModel,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
		}, log),
		Sender:       senders,
		Retry:        policy,
		HistoryLimit: cfg.AI.HistoryLimit,
		EventTimeout: cfg.AI.EventTimeout,
		Logger:       log,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: webhook.NewHandler(cfg.Meta.VerifyToken, cfg.Meta.AppSecret, processor, log).Routes(),
	}
	if cfg.Meta.AppSecret == "" {
		log.Warn("META_APP_SECRET not set, webhook signatures are not verified")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if tg != nil {
		g.Go(func() error {
			log.Info("Telegram polling started")
			return tg.Start(gctx, processor)
		})
	}

	err = g.Wait()
	log.Info("Waiting for in-flight events")
	processor.Wait()
	return err
}

// buildModels routes gemini-* model ids to Gemini and everything else to OpenAI.
func buildModels(ctx context.Context, cfg *config.Config, log *zap.Logger) (llm.ChatModel, error) {
	var fallback llm.ChatModel
	if cfg.OpenAI.APIKey != "" {
		fallback = llm.NewOpenAIModel(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, log)
	} else {
		log.Warn("OPENAI_API_KEY not set, only gemini models are available")
	}

	router := llm.NewRouter(fallback)
	if cfg.Gemini.APIKey != "" {
		gemini, err := llm.NewGeminiModel(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL, log)
		if err != nil {
			return nil, err
		}
		router.Handle("gemini", gemini)
	}
	return router, nil
}
