package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/config"
	"github.com/deskrelay/relay-server-go/internal/database"
	"github.com/deskrelay/relay-server-go/internal/handler"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/jobs"
	"github.com/deskrelay/relay-server-go/internal/middleware"
	"github.com/deskrelay/relay-server-go/internal/redis"
	"github.com/deskrelay/relay-server-go/internal/repository"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/sse"
)

type stores struct {
	devices  repository.DeviceRepository
	sessions repository.SessionRepository
	codes    repository.PairingCodeRepository
	users    repository.UserRepository
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	clk := clock.New()

	var st stores
	if cfg.DatabaseURL != "" {
		db := connectDatabase(cfg)
		defer db.Close()

		st = stores{
			devices:  repository.NewDeviceRepository(db.DB),
			sessions: repository.NewSessionRepository(db.DB),
			codes:    repository.NewPairingCodeRepository(db.DB),
			users:    repository.NewUserRepository(db.DB),
		}
		resetLiveState(st, clk)
	} else {
		mem := repository.NewMemoryStore()
		st = stores{
			devices:  mem.Devices(),
			sessions: mem.Sessions(),
			codes:    mem.PairingCodes(),
			users:    mem.Users(),
		}
	}

	var redisClient *redis.Client
	var limiter middleware.Limiter = middleware.NewRateLimiter(clk)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		limiter = middleware.NewRedisRateLimiter(redisClient)
		log.Info().Msg("redis connected")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	registry := hub.NewRegistry(clk, hub.Options{
		QueueSize: cfg.SendQueueSize,
		AuthGrace: cfg.AuthGrace(),
	})

	deviceService := service.NewDeviceService(st.devices, registry, broker, service.DeviceServiceOptions{
		CloseSuperseded: cfg.CloseSupersededHost,
		OpenListing:     cfg.AnonymousControllers,
	})
	sessionService := service.NewSessionService(st.sessions, deviceService, registry, service.SessionServiceOptions{
		PendingTimeout: cfg.PendingSessionTimeout(),
		OpenAccess:     cfg.AnonymousControllers,
	})
	relayService := service.NewRelayService(sessionService, cfg.FrameBacklogBytes)
	pairingService := service.NewPairingService(st.codes, deviceService, clk, cfg.PairingCodeTTL())
	userService := service.NewUserService(st.users, clk, cfg.AnonymousControllers)

	r := handler.NewRouter(handler.Dependencies{
		Registry: registry,
		Devices:  deviceService,
		Sessions: sessionService,
		Relay:    relayService,
		Pairing:  pairingService,
		Users:    userService,
		Broker:   broker,
		Limiter:  limiter,
		WS: handler.WSOptions{
			Origins:               cfg.Origins(),
			MaxMessageBytes:       cfg.MaxMessageBytes,
			PairAttemptsPerMinute: cfg.PairAttemptsPerMinute,
		},
		HSTS: os.Getenv("FLY_APP_NAME") != "",
	})

	cleanupJob := jobs.NewCleanupJob(clk, config.CleanupJobInterval,
		jobs.CleanupTask{Name: "pairing codes", Run: pairingService.Sweep},
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	keepAliveJob := jobs.NewKeepAliveJob(registry, cfg.PingInterval(), cfg.IdleTimeout())
	keepAliveJob.Start()
	defer keepAliveJob.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		// WebSocket and SSE responses are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	sessionService.EndAll(shutdownCtx)
	registry.CloseAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func connectDatabase(cfg *config.Config) *database.DB {
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Msg("database connected")
	return db
}

// resetLiveState clears what a previous process left behind: no connection
// survives a restart, so no device is online and no session is live.
func resetLiveState(st stores, clk clock.Clock) {
	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()

	ended, err := st.sessions.EndLive(ctx, clk.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to end stale sessions")
	}
	offline, err := st.devices.MarkAllOffline(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reset device status")
	}
	log.Info().Int64("sessions", ended).Int64("devices", offline).Msg("reset live state")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
