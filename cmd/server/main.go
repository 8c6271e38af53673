package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"chatweave/internal/adapter/provider/llm/openai"
	"chatweave/internal/api"
	"chatweave/internal/db/postgres"
	redisdb "chatweave/internal/db/redis"
	"chatweave/internal/domain/chat"
	"chatweave/internal/platform/config"
	applog "chatweave/internal/platform/log"
	"chatweave/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	redisClient := initRedis(cfg)

	store := postgres.NewStore(postgres.StoreConfig{
		DB:       db,
		Redis:    redisClient,
		CacheTTL: time.Duration(cfg.Chat.SummaryCacheTTL) * time.Second,
	})

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := store.EnsureTables(migrateCtx); err != nil {
		applog.Warnf("⚠️  Failed to ensure chat tables: %v", err)
	}
	migrateCancel()

	provider.RegisterProvider(openai.New(openai.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
	}))
	applog.Infof("✅ LLM provider registered (provider: %s, model: %s)", cfg.Chat.Provider, cfg.Chat.Model)

	summarizer := chat.NewSummarizer(store, cfg.Chat.Provider, cfg.Chat.SummaryModel)
	loader := chat.NewLoader(store, summarizer, cfg.Chat.WindowSize, cfg.Chat.SummaryThreshold)

	lifecycle := chat.NewManager(store, summarizer, cfg.Chat.Provider, cfg.Chat.TitleModel,
		cfg.Chat.WindowSize, cfg.Chat.SummaryThreshold)
	if redisClient != nil {
		lifecycle.WithSummaryLock(redisdb.NewSummaryLock(redisClient))
	}

	svc := chat.NewService(chat.ServiceConfig{
		Provider:       cfg.Chat.Provider,
		Model:          cfg.Chat.Model,
		SystemPrompt:   cfg.Chat.SystemPrompt,
		MaxReplyTokens: cfg.Chat.MaxReplyTokens,
		Temperature:    cfg.Chat.Temperature,
	}, loader, lifecycle)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.TurnTimeout = time.Duration(cfg.Server.TurnTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	server := api.NewServer(serverConfig, svc)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	// 等后台标题/摘要任务收尾再退出
	svc.WaitBackground()
	applog.Info("👋 Server stopped")
}

// initRedis 连接 Redis（可选）。未配置或连不上时退化为
// 无摘要缓存、无后台摘要去重锁的模式。
func initRedis(cfg *config.AppConfig) *goredis.Client {
	if cfg.Redis.URL == "" {
		applog.Info("ℹ️  No REDIS_URL set, summary cache and lock disabled")
		return nil
	}

	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Warnf("⚠️  Invalid REDIS_URL, summary cache disabled: %v", err)
		return nil
	}

	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		applog.Warnf("⚠️  Redis connection failed, summary cache disabled: %v", err)
		return nil
	}

	applog.Info("✅ Connected to Redis")
	return client
}
