package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"division-chat/internal/auth"
	"division-chat/internal/broker"
	"division-chat/internal/chat"
	"division-chat/internal/config"
	"division-chat/internal/db"
	pkglog "division-chat/internal/log"
	myMiddleware "division-chat/internal/middleware"
	"division-chat/internal/presence"
	"division-chat/internal/user"
	"division-chat/internal/ws"
)

func main() {
	// 1. Config & logging
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "division-chat",
	})
	logger := pkglog.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Database
	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	// 3. Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.Redis.Address).Msg("connected to redis")

	// 4. Fan-out
	hub := broker.NewHub()
	go hub.Run()

	var (
		groups      broker.Broker = hub
		redisBroker *broker.RedisBroker
	)
	if cfg.Broker.Driver == "redis" {
		redisBroker = broker.NewRedisBroker(redisClient, hub, cfg.Broker.ChannelPrefix)
		go redisBroker.Run(ctx)
		groups = redisBroker
		logger.Info().Str("prefix", cfg.Broker.ChannelPrefix).Msg("redis broker started")
	}

	// 5. Users & auth
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	userService := user.NewService(user.NewRepository(database), tokens)
	userHandler := user.NewHandler(userService)
	authn := auth.NewAuthenticator(tokens, userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(authn)

	wsCfg := ws.Config{
		WriteWait:      cfg.WS.WriteWait,
		PongWait:       cfg.WS.PongWait,
		PingPeriod:     cfg.WS.PingPeriod,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBuffer:     cfg.Broker.InboxSize,
	}

	// 6. Chat & presence
	chatService := chat.NewService(chat.NewRepository(database), groups, cfg.Chat.HistoryLimit)
	chatHandler := chat.NewHandler(chatService, authn, groups, userService, wsCfg, cfg.Broker.InboxSize)

	presenceService := presence.NewService(presence.NewRedisStore(redisClient, cfg.Presence.TTL), groups)
	presenceHandler := presence.NewHandler(presenceService, authn, groups, wsCfg, cfg.Broker.InboxSize)

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(pkglog.HTTPMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Public
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// WebSockets authenticate from ?token= themselves so they can close with 4001.
	r.Get("/ws/messages/{room}/", chatHandler.ServeWs)
	r.Get("/ws/presence/", presenceHandler.ServeFeed)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Delete("/api/messages/{room}/", chatHandler.DeleteHistory)

		r.Post("/api/presence/online", presenceHandler.MarkOnline)
		r.Post("/api/presence/offline", presenceHandler.MarkOffline)
		r.Get("/api/presence/online", presenceHandler.OnlineUsers)
		r.Get("/api/presence/{userID}", presenceHandler.UserStatus)
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("division-chat listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down division-chat")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		cancel() // 1. stop the redis subscription
		if redisBroker != nil {
			<-redisBroker.Done()
		}

		hub.Stop() // 2. close every session inbox; sockets close with 1001

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("division-chat stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}
