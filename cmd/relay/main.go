package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink/internal/core/services"
	httphandlers "carelink/internal/handlers/http"
	"carelink/internal/infrastructure/distributed"
	"carelink/internal/infrastructure/middleware"
	"carelink/internal/infrastructure/monitoring"
	"carelink/internal/infrastructure/repositories"
	signalinfra "carelink/internal/infrastructure/signal"
	"carelink/pkg/config"
	"carelink/pkg/logger"
	"carelink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, path, err := config.LoadFirst(
		os.Getenv("CARELINK_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/carelink/config.yaml",
		"config.yaml",
	)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load config", "error", err)
	}

	zapLogger := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "carelink-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	roomRepo := repoFactory.CreateRoomRepository()
	var roomOpts []services.RoomServiceOption
	if locker := repoFactory.CreateRoomLocker(); locker != nil {
		roomOpts = append(roomOpts, services.WithRoomLocker(locker))
	}
	roomService := services.NewRoomService(roomRepo, roomOpts...)

	var relayOpts []signalinfra.RelayOption
	if cfg.Monitoring.PrometheusEnabled {
		relayOpts = append(relayOpts, signalinfra.WithRelayMetrics(monitoring.NewRelayCollector(prometheus.DefaultRegisterer)))
	}

	// Instances sharing Redis reach each other's participants over pub/sub.
	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		bus = distributed.NewEventBus(client, instanceID, log.With("instance", instanceID))
		relayOpts = append(relayOpts, signalinfra.WithForwarder(bus))
	}
	relay := signalinfra.NewRelay(roomService, signalinfra.RelayConfigFrom(cfg), log, relayOpts...)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(roomRepo, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bus != nil {
		go func() {
			err := bus.Subscribe(ctx, func(ev *distributed.Event) error {
				if ev.Type != distributed.EventSignal {
					return nil
				}
				relay.Deliver(ev.Room, ev.Target, ev.Payload)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("relay event bus stopped", "error", err)
			}
		}()
	}
	health.StartBackgroundChecks(ctx, func(name string, healthy bool, err error) {
		log.Warnw("dependency health changed", "check", name, "healthy", healthy, "error", err)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	handler := httphandlers.NewRoomHandler(relay, roomService, health)
	handler.SetupRoutes(router,
		middleware.NewJoinRateLimitMiddleware(cfg),
		middleware.RoomTokenMiddleware(cfg.Auth.JWTSecret),
	)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// No WriteTimeout: websocket connections are long lived and manage
	// their own deadlines.
	srv := &http.Server{
		Addr:        cfg.Relay.Address,
		Handler:     router,
		ReadTimeout: cfg.Relay.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting carelink relay", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	cancel()
	if bus != nil {
		_ = bus.Close()
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("carelink relay stopped")
}
