package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/plaza/chat-service/internal/ban"
	"github.com/plaza/chat-service/internal/broadcast"
	"github.com/plaza/chat-service/internal/chat"
	"github.com/plaza/chat-service/internal/config"
	"github.com/plaza/chat-service/internal/database"
	"github.com/plaza/chat-service/internal/handler"
	"github.com/plaza/chat-service/internal/identity"
	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/messaging"
	"github.com/plaza/chat-service/internal/metrics"
	"github.com/plaza/chat-service/internal/ratelimit"
	"github.com/plaza/chat-service/internal/service"
	"github.com/plaza/chat-service/internal/session"
	"github.com/plaza/chat-service/internal/ws"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	mintToken := flag.Int64("mint-token", 0, "print a signed token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a minted token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(cfg.Log)
	log := logging.L()

	if *mintToken > 0 {
		token, err := identity.NewSigner(cfg.Auth.JWTSecret).Sign(*mintToken, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("sign token")
		}
		fmt.Println(token)
		return
	}

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty, every credential will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	var (
		chatRepo chat.Repository
		banRepo  ban.Repository
		users    identity.UserRepository
		db       *sql.DB
	)
	if cfg.Database.URL != "" {
		if cfg.Database.MigrateOnStart {
			opts := database.MigrateOptions{PlatformTables: cfg.Database.MigratePlatformTables}
			if opts.PlatformTables {
				log.Warn().Msg("database.migrate_platform_tables is set, creating platform tables")
			}
			if err := database.Migrate(cfg.Database.URL, opts); err != nil {
				log.Fatal().Err(err).Msg("migrate database")
			}
		}
		dbCfg := database.DefaultConfig(cfg.Database.URL)
		dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		db, err = database.Open(ctx, dbCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		chatRepo = chat.NewPostgresRepository(db)
		banRepo = ban.NewPostgresRepository(db)
		users = identity.NewPostgresUsers(db)
	} else {
		log.Warn().Msg("database.url is empty, using in-memory storage")
		chatRepo = chat.NewMemoryRepository()
		banRepo = ban.NewMemoryRepository()
		users = identity.NewMemoryUsers()
	}

	// --- Redis: presence and rate limiting ---
	var (
		sessions *session.Store
		presence handler.PresenceStore
		svcOpts  []service.Option
	)
	if cfg.Redis.Address != "" {
		sessions, err = session.NewStore(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Server.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		presence = sessions
		svcOpts = append(svcOpts,
			service.WithLimiter(ratelimit.NewLimiter(sessions.Client())),
			service.WithPresence(sessions),
		)
	} else {
		log.Warn().Msg("redis.address is empty, presence and rate limiting are disabled")
	}

	// --- NATS: cross-process fan-out ---
	bcast := broadcast.New()
	var bus *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsCfg.Name = cfg.NATS.Name
		}
		bus, err = messaging.NewNATSClient(natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		if err := bcast.AttachBus(bus); err != nil {
			log.Fatal().Err(err).Msg("subscribe room events")
		}
	}

	store := chat.NewStore(chatRepo, chat.WithPageSizes(cfg.Chat.DefaultPageSize, cfg.Chat.MaxPageSize))
	svc := service.New(service.Config{
		RoomName: cfg.Chat.RoomName,
		Rules:    cfg.Chat.Rules,
		SendRule: ratelimit.MessageRule(cfg.RateLimit.Messages, cfg.RateLimit.Window),
	}, identity.NewResolver(cfg.Auth.JWTSecret, users), users, ban.NewEnforcer(banRepo, users), store, bcast, svcOpts...)

	room, err := svc.Room(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load room")
	}

	// --- WebSocket server ---
	wsCfg := ws.DefaultServerConfig()
	wsCfg.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsCfg.MaxConnections = cfg.Server.MaxConnections
	wsCfg.ReadTimeout = cfg.Server.ReadTimeout
	wsCfg.WriteTimeout = cfg.Server.WriteTimeout

	sockets := handler.NewSocketHandler(svc, presence)
	wsServer := ws.NewServer(wsCfg, sockets.Hooks())
	if err := wsServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("start websocket server")
	}

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	router, err := handler.NewEngine(log, cfg.Server.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("build router")
	}
	router.GET("/ws", handler.UpgradeRoute(wsServer))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	handler.NewHTTPHandler(svc, func() gin.H {
		conns, uptime := wsServer.Health()
		body := gin.H{
			"server":      cfg.Server.Name,
			"connections": conns,
			"uptime":      uptime.Round(time.Second).String(),
		}
		if bus != nil {
			body["nats"] = bus.Connected()
		}
		return body
	}).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.ListenAddr).
			Str("server", cfg.Server.Name).
			Str("room", room.Name).
			Bool("postgres", db != nil).
			Bool("redis", sessions != nil).
			Bool("nats", bus != nil).
			Msg("chat server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := wsServer.Shutdown(); err != nil {
		log.Error().Err(err).Msg("websocket shutdown")
	}
	if bus != nil {
		bus.Close()
	}
	if sessions != nil {
		if err := sessions.Close(); err != nil {
			log.Error().Err(err).Msg("redis close")
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close")
		}
	}
}
