package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"OpenMCP-Bridge/internal/agent"
	"OpenMCP-Bridge/internal/api"
	"OpenMCP-Bridge/internal/auth"
	"OpenMCP-Bridge/internal/bridge"
	"OpenMCP-Bridge/internal/config"
	"OpenMCP-Bridge/internal/events"
	"OpenMCP-Bridge/internal/intent"
	"OpenMCP-Bridge/internal/knowledge"
	"OpenMCP-Bridge/internal/llm"
	"OpenMCP-Bridge/internal/llm/anthropic"
	"OpenMCP-Bridge/internal/llm/openai"
	"OpenMCP-Bridge/internal/observability/alerting"
	"OpenMCP-Bridge/internal/observability/metrics"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/storage/mysql"
	"OpenMCP-Bridge/internal/tools"
	"OpenMCP-Bridge/internal/tools/bridgetools"
	"OpenMCP-Bridge/internal/web3/provider"
	"OpenMCP-Bridge/pkg/logger"
)

// main 是桥接助手守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("bridgeagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("bridgeagentd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	sessions, closeSessions, err := createSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	model, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	quotes := bridge.NewClient(bridge.Config{
		BaseURL:     cfg.Bridge.BaseURL,
		Integrator:  cfg.Bridge.Integrator,
		APIKey:      config.Secret(cfg.Bridge.APIKeyEnv),
		Timeout:     time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second,
		CacheSize:   cfg.Bridge.CacheSize,
		QuoteTTL:    time.Duration(cfg.Bridge.QuoteTTLSeconds) * time.Second,
		SlippageBps: cfg.Bridge.SlippageBps,
	})

	registry := tools.NewRegistry()
	if err := bridgetools.Register(registry, bridgetools.Dependencies{Chains: chains, Quotes: quotes}); err != nil {
		return err
	}

	parser, err := createParser(cfg)
	if err != nil {
		return err
	}

	publisher, err := createPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			lg.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	archive, err := createArchive(ctx, cfg)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
	}

	m := metrics.New()

	authSvc, err := createAuth(cfg)
	if err != nil {
		return err
	}

	opts := []agent.Option{
		agent.WithMaxTurns(cfg.Agent.MaxTurns),
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
		agent.WithModelTimeout(cfg.Agent.ModelTimeout()),
		agent.WithPricing(agent.Pricing{
			InputPerMTok:  cfg.Agent.InputPricePerMTok,
			OutputPerMTok: cfg.Agent.OutputPricePerMTok,
		}),
		agent.WithParser(parser),
		agent.WithEventPublisher(publisher),
		agent.WithMetrics(m),
		agent.WithAlertDispatcher(createAlerts(cfg)),
		agent.WithLogger(logger.Named("agent"), logger.Audit()),
	}
	if archive != nil {
		opts = append(opts, agent.WithArchive(archive))
	}
	if cfg.Agent.KnowledgePath != "" {
		kp, err := knowledge.LoadStaticProvider(cfg.Agent.KnowledgePath, 3)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithKnowledgeProvider(kp))
	}

	ag := agent.New(model, sessions, registry, opts...)

	serverOpts := []api.Option{
		api.WithMetrics(m),
		api.WithAuth(authSvc),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second,
		),
	}
	if archive != nil {
		serverOpts = append(serverOpts, api.WithArchive(archive))
	}
	server := api.NewServer(cfg.Server.Address, ag, serverOpts...)

	lg.Info("桥接助手启动",
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("session_driver", cfg.Session.Driver),
		slog.String("events_driver", cfg.Events.Driver),
		slog.String("archive_driver", cfg.Archive.Driver),
		slog.Int("tools", len(registry.Definitions())))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createSessionStore(ctx context.Context, cfg *config.Config) (*session.Store, func(), error) {
	var backend session.Backend
	switch cfg.Session.Driver {
	case "", "memory":
		backend = session.NewMemoryBackend()
	case "redis":
		rb, err := session.NewRedisBackend(ctx, session.RedisConfig{
			Address:  cfg.Session.Redis.Address,
			Password: config.Secret(cfg.Session.Redis.PasswordEnv),
			DB:       cfg.Session.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = rb
	default:
		return nil, nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Session.Driver)
	}
	closer := func() {
		if c, ok := backend.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	store := session.NewStore(backend,
		session.WithTTL(cfg.Session.TTL()),
		session.WithKeyPrefix(cfg.Session.KeyPrefix),
	)
	return store, closer, nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	apiKey := config.Secret(cfg.LLM.APIKeyEnv)
	switch cfg.LLM.Provider {
	case "", "anthropic":
		return anthropic.NewFromConfig(anthropic.Config{
			APIKey:    apiKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:    apiKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			MaxTokens: cfg.LLM.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createParser(cfg *config.Config) (*intent.Parser, error) {
	if cfg.Intent.AliasFile == "" {
		return intent.NewParser(), nil
	}
	chains, tokens, err := intent.LoadAliasFile(cfg.Intent.AliasFile)
	if err != nil {
		return nil, err
	}
	return intent.NewParser(intent.WithChainAliases(chains), intent.WithTokenAliases(tokens)), nil
}

func createPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "none":
		return events.NopPublisher{}, nil
	case "memory":
		return events.NewMemoryPublisher(), nil
	case "rabbitmq":
		url := cfg.Events.RabbitMQ.URL
		if secret := config.Secret(cfg.Events.RabbitMQ.URLEnv); secret != "" {
			url = secret
		}
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      url,
			Exchange: cfg.Events.RabbitMQ.Exchange,
		})
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: config.Secret(cfg.Events.Redis.PasswordEnv),
			DB:       cfg.Events.Redis.DB,
			List:     cfg.Events.Redis.List,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func createArchive(ctx context.Context, cfg *config.Config) (mysql.SessionArchive, error) {
	switch cfg.Archive.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return mysql.NewMemoryArchive(cfg.Runtime.DataDir)
	case "mysql":
		dsn := cfg.Archive.DSN
		if secret := config.Secret(cfg.Archive.DSNEnv); secret != "" {
			dsn = secret
		}
		return mysql.NewSQLArchive(ctx, mysql.Config{
			DSN:             dsn,
			MaxOpenConns:    cfg.Archive.MaxOpenConns,
			MaxIdleConns:    cfg.Archive.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Archive.ConnMaxLifetimeSeconds) * time.Second,
			AutoMigrate:     cfg.Archive.AutoMigrate,
		})
	default:
		return nil, fmt.Errorf("未知的归档驱动: %s", cfg.Archive.Driver)
	}
}

func createAuth(cfg *config.Config) (*auth.Service, error) {
	clients := make([]auth.Client, 0, len(cfg.Auth.Clients))
	for _, c := range cfg.Auth.Clients {
		clients = append(clients, auth.Client{
			Name:        c.Name,
			Token:       config.Secret(c.TokenEnv),
			Permissions: c.Permissions,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Clients: clients})
}

func createAlerts(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if url := config.Secret(cfg.Alerting.WebhookURLEnv); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
