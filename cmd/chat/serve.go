package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sudooom.im.chat/internal/auth"
	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/delivery"
	"sudooom.im.chat/internal/events"
	"sudooom.im.chat/internal/handler"
	"sudooom.im.chat/internal/health"
	"sudooom.im.chat/internal/httpapi"
	"sudooom.im.chat/internal/media"
	"sudooom.im.chat/internal/metrics"
	imNats "sudooom.im.chat/internal/nats"
	"sudooom.im.chat/internal/presence"
	imRedis "sudooom.im.chat/internal/redis"
	"sudooom.im.chat/internal/server"
	"sudooom.im.chat/internal/snowflake"
	"sudooom.im.chat/internal/store"
	"sudooom.im.chat/internal/workerpool"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeID := strconv.FormatInt(cfg.Server.NodeID, 10)

	// 存储
	chatStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer chatStore.Close()

	connMgr := connection.NewManager()
	m := metrics.New(connMgr.Count)

	// 可选：NATS 事件与 hook
	var (
		natsClient *imNats.Client
		publisher  events.Publisher = events.Nop{}
		subjects                    = imNats.NewSubjects(cfg.NATS.SubjectPrefix)
	)
	if cfg.NATS.Enabled {
		natsClient, err = imNats.NewClient(imNats.Options{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()
		publisher = imNats.NewPublisher(natsClient, subjects, nodeID)
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	// 可选：Redis 位置目录
	trackerOpts := []presence.Option{
		presence.WithPublisher(publisher),
		presence.WithMetrics(m),
	}
	var redisClient *goredis.Client
	if cfg.Redis.Enabled {
		redisClient = imRedis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		defer redisClient.Close()
		trackerOpts = append(trackerOpts, presence.WithDirectory(imRedis.NewDirectory(redisClient, nodeID, logger)))
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	tracker := presence.NewTracker(connMgr, chatStore, logger, trackerOpts...)
	stateMachine := delivery.NewStateMachine(connMgr, chatStore, publisher, m, logger)
	uploads := media.NewLocal(cfg.Media.Dir, "/uploads", logger)

	router := handler.NewRouter(handler.Deps{
		Registry:  connMgr,
		Presence:  tracker,
		Delivery:  stateMachine,
		Store:     chatStore,
		Media:     uploads,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
		RateLimit: handler.RateLimit{Rate: cfg.RateLimit.Rate, Burst: cfg.RateLimit.Burst},
	})

	srvOpts := []server.Option{server.WithSendBuffer(cfg.Server.SendBuffer)}
	if cfg.Auth.Enabled {
		srvOpts = append(srvOpts, server.WithAuth(auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire)))
	}
	srv := server.New(connMgr, router, snowflake.NewNode(cfg.Server.NodeID), logger, srvOpts...)

	checker := health.NewChecker(chatStore, natsConn(natsClient), redisClient, connMgr)

	routerCfg := httpapi.RouterConfig{
		Mode:          cfg.Server.Mode,
		Messages:      httpapi.NewMessageHandler(chatStore, stateMachine, uploads, logger),
		WebSocketPath: cfg.WebSocket.Path,
		WebSocket: srv.WebSocketHandler(ctx, server.WebSocketOptions{
			ReadLimit:      cfg.WebSocket.ReadLimit,
			PingInterval:   cfg.WebSocket.PingInterval,
			PongWait:       cfg.WebSocket.PongWait,
			WriteWait:      cfg.WebSocket.WriteWait,
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		}),
		Health:          checker,
		Ready:           func(r *http.Request) bool { return checker.IsHealthy(r.Context()) },
		UploadsDir:      uploads.Dir(),
		Logger:          logger,
		CORSOrigins:     cfg.CORS.AllowedOrigins,
		CORSCredentials: cfg.CORS.AllowCredentials,
	}
	if cfg.Metrics.Enabled {
		routerCfg.MetricsPath = cfg.Metrics.Path
		routerCfg.Metrics = m.Handler()
	}
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: httpapi.SetupRouter(routerCfg),
	}

	var wt *server.WebTransportServer
	if cfg.WebTransport.Enabled {
		tlsConfig, err := server.LoadTLSConfig(cfg.QUIC.CertFile, cfg.QUIC.KeyFile, "certs", logger)
		if err != nil {
			return fmt.Errorf("load tls config: %w", err)
		}
		wt = srv.NewWebTransport(ctx, server.WebTransportOptions{
			Addr:                  cfg.WebTransport.Addr,
			Path:                  cfg.WebTransport.Path,
			TLSConfig:             tlsConfig,
			MaxIdleTimeout:        cfg.QUIC.MaxIdleTimeout,
			KeepAlivePeriod:       cfg.QUIC.KeepAlivePeriod,
			MaxIncomingStreams:    cfg.QUIC.MaxIncomingStreams,
			MaxIncomingUniStreams: cfg.QUIC.MaxIncomingUniStreams,
			Allow0RTT:             cfg.QUIC.Allow0RTT,
		})
	}

	var pool *workerpool.Pool
	if natsClient != nil {
		pool = workerpool.New(cfg.NATS.HookWorkers, cfg.NATS.HookQueue, logger)
		hooks := imNats.NewHookSubscriber(natsClient, subjects, stateMachine, pool, logger)
		if err := hooks.Start(ctx); err != nil {
			pool.Shutdown()
			return fmt.Errorf("subscribe hooks: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		connection.NewIdleReaper(connMgr, cfg.Server.HeartbeatTimeout, cfg.Server.HeartbeatInterval, logger,
			connection.WithReapHook(func(*connection.Connection) { m.IdleReaped() })).Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Chat server started",
			"addr", cfg.Server.HTTPAddr,
			"node_id", cfg.Server.NodeID,
			"database", cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if wt != nil {
		g.Go(func() error {
			if err := wt.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
				return fmt.Errorf("webtransport server: %w", err)
			}
			return nil
		})
	}

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if wt != nil {
			if cerr := wt.Close(); cerr != nil {
				logger.Warn("Failed to close webtransport server", "error", cerr)
			}
		}
		srv.CloseAll()
		srv.Wait()
		if pool != nil {
			pool.Shutdown()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func natsConn(c *imNats.Client) *nats.Conn {
	if c == nil {
		return nil
	}
	return c.Conn()
}

// openStore 按 database.driver 选择存储实现
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.ChatStore, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		pool, err := store.Connect(ctx, cfg.DSN, cfg.MaxConns, cfg.MinConns, cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		logger.Info("Connected to PostgreSQL")
		return store.NewPostgresStore(pool), nil
	}
}
