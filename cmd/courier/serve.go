package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/courierai/courier/internal/config"
	"github.com/courierai/courier/internal/connector"
	"github.com/courierai/courier/internal/connector/adapters/discord"
	"github.com/courierai/courier/internal/connector/adapters/slack"
	"github.com/courierai/courier/internal/connector/adapters/telegram"
	"github.com/courierai/courier/internal/connector/adapters/whatsapp"
	"github.com/courierai/courier/internal/db"
	"github.com/courierai/courier/internal/handlers"
	"github.com/courierai/courier/internal/logger"
	"github.com/courierai/courier/internal/pipeline"
	"github.com/courierai/courier/internal/provider"
	"github.com/courierai/courier/internal/retention"
	"github.com/courierai/courier/internal/server"
	"github.com/courierai/courier/internal/store"
	"github.com/courierai/courier/internal/tool"
	"github.com/courierai/courier/internal/tool/websearch"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStore,
			provideToolRegistry,
			provideSelector,
			providePipeline,
			provideAdapterRegistry,
			provideManager,
			provideJanitor,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideChannelsHandler),
			provideServerHandler(provideConnectionsHandler),
			provideServerHandler(provideTokenHandler),
			provideServerHandler(provideAccountsHandler),
			provideServer,
		),
		fx.Invoke(
			startManager,
			startJanitor,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.Init(cfg.Log.Level, cfg.Log.Format)
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideStore(log *slog.Logger, conn *pgxpool.Pool) *store.Store {
	return store.New(log, conn)
}

func provideToolRegistry(log *slog.Logger, cfg config.Config) *tool.Registry {
	return tool.NewRegistry(log,
		tool.NewCurrentTimeTool(),
		websearch.New(log, cfg.Search),
	)
}

func provideSelector(log *slog.Logger, st *store.Store, tools *tool.Registry, cfg config.Config) *provider.Selector {
	return provider.NewSelector(log, st, tools, cfg.Providers)
}

func providePipeline(log *slog.Logger, st *store.Store, selector *provider.Selector, cfg config.Config) *pipeline.Pipeline {
	return pipeline.New(log, st, selector, pipeline.Options{
		SystemPrompt: cfg.Providers.SystemPrompt,
		HistoryLimit: cfg.Providers.HistoryLimit,
		MaxTokens:    cfg.Providers.MaxTokens,
	})
}

func provideAdapterRegistry(log *slog.Logger, cfg config.Config) *connector.Registry {
	registry := connector.NewRegistry(log)
	registry.MustRegister(
		telegram.NewAdapter(log),
		discord.NewAdapter(log),
		slack.NewAdapter(log),
		whatsapp.NewAdapter(log, cfg.WhatsApp),
	)
	return registry
}

func provideManager(log *slog.Logger, registry *connector.Registry, st *store.Store, pl *pipeline.Pipeline, cfg config.Config) *connector.Manager {
	return connector.NewManager(log, registry, st, pl,
		connector.WithPollInterval(cfg.Channels.PollInterval()),
		connector.WithRestartCooldown(cfg.Channels.RestartCooldown()),
		connector.WithInboundWorkers(cfg.Channels.InboundWorkers),
	)
}

func provideJanitor(log *slog.Logger, st *store.Store, cfg config.Config) *retention.Janitor {
	return retention.NewJanitor(log, st, cfg.Retention)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideChannelsHandler(log *slog.Logger, st *store.Store, manager *connector.Manager, registry *connector.Registry) *handlers.ChannelsHandler {
	return handlers.NewChannelsHandler(log, st, manager, registry)
}

func provideConnectionsHandler(log *slog.Logger, manager *connector.Manager) *handlers.ConnectionsHandler {
	return handlers.NewConnectionsHandler(log, manager)
}

func provideTokenHandler(log *slog.Logger, cfg config.Config) *handlers.TokenHandler {
	return handlers.NewTokenHandler(log, cfg.Auth)
}

func provideAccountsHandler(log *slog.Logger, st *store.Store) *handlers.AccountsHandler {
	return handlers.NewAccountsHandler(log, st)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers)
}

func startManager(lc fx.Lifecycle, manager *connector.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return manager.Start(ctx) },
		OnStop:  func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

func startJanitor(lc fx.Lifecycle, janitor *retention.Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return janitor.Start() },
		OnStop:  func(ctx context.Context) error { janitor.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
