package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/attachment"
	"github.com/Dry1ceD7/AAEConnect/internal/broadcast"
	"github.com/Dry1ceD7/AAEConnect/internal/config"
	chatgrpc "github.com/Dry1ceD7/AAEConnect/internal/grpc"
	"github.com/Dry1ceD7/AAEConnect/internal/handler"
	"github.com/Dry1ceD7/AAEConnect/internal/history"
	"github.com/Dry1ceD7/AAEConnect/internal/hub"
	"github.com/Dry1ceD7/AAEConnect/internal/idgen"
	"github.com/Dry1ceD7/AAEConnect/internal/metrics"
	"github.com/Dry1ceD7/AAEConnect/internal/presence"
	"github.com/Dry1ceD7/AAEConnect/internal/search"
	"github.com/Dry1ceD7/AAEConnect/pkg/jwt"
	pkglog "github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/middleware"
	"github.com/Dry1ceD7/AAEConnect/pkg/pubsub"
	"github.com/Dry1ceD7/AAEConnect/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = "aaeconnect"
	}
	if cfg.Log.Level == "debug" {
		cfg.Log.Pretty = true
	}
	if cfg.Broadcast.Engine.Origin == "" {
		cfg.Broadcast.Engine.Origin = defaultOrigin()
	}
	if cfg.Log.Instance == "" {
		cfg.Log.Instance = cfg.Broadcast.Engine.Origin
	}
	pkglog.Init(cfg.Log)
	logger := pkglog.L()
	logger.Info().Str("version", version).Msg("starting chat server")

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores
	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer st.close()

	// Redis (history cache, presence, redis event bus)
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		st.checks = append(st.checks, handler.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	// Event bus
	var shared *redis.Client
	if cfg.Events.Driver == pubsub.DriverRedis {
		shared = rdb
	}
	bus, err := pubsub.NewBus(cfg.Events.Config, shared)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Events.Driver).Msg("failed to create event bus")
	}
	defer bus.Close()

	ids, err := idgen.New(cfg.Broadcast.IDs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	// Connection registry
	regOpts := []hub.Option{
		hub.WithQueueSize(cfg.WebSocket.QueueSize),
		hub.WithObserver(metrics.SessionObserver{}),
	}
	if cfg.Presence.Enabled {
		if rdb == nil {
			logger.Fatal().Msg("presence requires redis.enabled")
		}
		p := presence.NewRedisPresence(rdb, cfg.Presence)
		p.Start(ctx)
		defer p.Close()
		regOpts = append(regOpts, hub.WithObserver(p))
	}
	registry := hub.NewRegistry(regOpts...)

	// Message search is fed by the engine next to the event bus, so each
	// message is indexed once, by the node that stored it.
	var index *search.Client
	if cfg.Search.Enabled {
		index, err = search.Connect(ctx, cfg.Search)
		if err != nil {
			logger.Fatal().Err(err).Strs("addresses", cfg.Search.Addresses).Msg("failed to connect to elasticsearch")
		}
		st.checks = append(st.checks, handler.Check{Name: "elasticsearch", Ping: index.Ping})
		logger.Info().Strs("addresses", cfg.Search.Addresses).Msg("elasticsearch connected")
	}
	publisher := pubsub.Fanout(bus, searchPublisher(index))

	var cache history.Cache
	if rdb != nil {
		cache = history.NewRedisCache(rdb, cfg.History.CachePrefix)
	}
	historySvc := history.NewService(st.messages, cache, cfg.History.CacheTTL)

	// Broadcast engine. Cached history pages of a room are dropped before
	// a new message in it reaches anyone.
	engine := broadcast.NewEngine(st.messages, st.members, registry, cfg.Broadcast.Engine,
		broadcast.WithIDGenerator(ids),
		broadcast.WithPublisher(publisher),
		broadcast.WithStoredHook(historySvc.Invalidate),
	)

	// Auth
	tokens, err := jwt.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AccessDuration)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}
	auth := middleware.NewAuthMiddleware(tokens)
	auth.OnFailure(handler.AuditAuthFailure)

	// Sessions outlive the signal context so that shutdown can order them
	// after the listener is closed.
	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(pkglog.GinMiddleware(logger, "/health", "/ready", "/metrics"))

	if cfg.Attachments.Enabled {
		blobs, err := storage.New(ctx, cfg.Attachments.Config)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.Attachments.Driver).Msg("failed to open attachment storage")
		}
		files := attachment.NewService(blobs, ids, cfg.Attachments.MaxSize, cfg.Attachments.URLTTL, handler.FileRoutePrefix+"/",
			attachment.WithThumbnails(cfg.Attachments.Thumbnail))
		handler.NewFileHandler(files).RegisterRoutes(router, auth.RequireAuth())
		st.checks = append(st.checks, handler.Check{Name: "attachments", Ping: files.Ping})
	}

	wsHandler := handler.NewWSHandler(sessCtx, registry, engine, cfg.WebSocket.Config, cfg.WebSocket.AllowedOrigins)
	wsHandler.RegisterRoutes(router, auth.RequireAuth())
	handler.NewHTTPHandler(historySvc, engine, registry, version, st.checks...).RegisterRoutes(router, auth.RequireAuth())
	if index != nil {
		handler.NewSearchHandler(index).RegisterRoutes(router, auth.RequireAuth())
	}
	if st.rooms != nil {
		handler.NewRoomHandler(st.rooms, ids).RegisterRoutes(router, auth.RequireAuth())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcServer *chatgrpc.Server
	if cfg.GRPC.Enabled {
		grpcServer, err = chatgrpc.NewServer(fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start grpc server")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", addr).Msg("chat server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(grpcServer.Serve)
		grpcServer.SetServing(true)
	}

	if cfg.Events.ClusterFanout && cfg.Events.Driver != pubsub.DriverNone {
		g.Go(func() error {
			return engine.RunClusterFanout(gctx, bus)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down chat server")

		if grpcServer != nil {
			grpcServer.SetServing(false)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http server forced to shutdown")
		}

		// Hijacked websocket connections are not covered by Shutdown.
		cancelSessions()
		sessionsDone := make(chan struct{})
		go func() {
			wsHandler.Wait()
			close(sessionsDone)
		}()
		select {
		case <-sessionsDone:
		case <-shutdownCtx.Done():
			logger.Warn().Int("online", registry.Count()).Msg("sessions did not close in time")
		}
		registry.CloseAll()

		if grpcServer != nil {
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chat server exited with error")
	}
	logger.Info().Msg("chat server stopped")
}

// searchPublisher avoids handing Fanout a typed nil.
func searchPublisher(c *search.Client) pubsub.Publisher {
	if c == nil {
		return nil
	}
	return c
}

func defaultOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
