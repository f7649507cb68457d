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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/rtpcaps"
	"sfusignal/internal/core/services"
	httphandlers "sfusignal/internal/handlers/http"
	"sfusignal/internal/infrastructure/distributed"
	"sfusignal/internal/infrastructure/monitoring"
	"sfusignal/internal/infrastructure/repositories"
	"sfusignal/internal/infrastructure/rtcengine"
	sig "sfusignal/internal/infrastructure/signal"
	"sfusignal/internal/infrastructure/worker"
	"sfusignal/pkg/config"
	"sfusignal/pkg/logger"
	"sfusignal/pkg/tracing"
)

func main() {
	cfg, cfgPath, err := config.LoadFromPaths(
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/sfusignal/config.yaml",
		"config.yaml",
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zapLogger = zap.NewNop()
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfgPath == "" {
		log.Info("No config file found, using defaults")
	} else {
		log.Infow("Loaded config", "path", cfgPath)
	}

	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	tp, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		InstanceID:  instanceID,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage and cluster coordination
	repoFactory := repositories.NewRepositoryFactory(rootCtx, cfg, log)
	repo := repoFactory.CreateSessionRepository()

	var bus ports.EventBus
	var registry *distributed.InstanceRegistry
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewRedisEventBus(client, cfg.Redis.Channel, instanceID, log.Named("events"))
		registry = distributed.NewInstanceRegistry(client, instanceID, cfg.Redis.Heartbeat, log.Named("registry"))
	} else {
		bus = distributed.NewLocalEventBus(log.Named("events"))
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// Routing workers and the session core
	var svc *services.SessionService
	supervisor, err := worker.NewSupervisor(worker.Config{
		Count:            cfg.Worker.Count,
		RTCMinPort:       cfg.Worker.RTCMinPort,
		RTCMaxPort:       cfg.Worker.RTCMaxPort,
		DeathGracePeriod: cfg.Worker.DeathGracePeriod,
	}, rtcengine.NewFactory(log.Named("engine")), log.Named("worker"),
		worker.WithDeathHook(func(info domain.WorkerInfo) {
			if svc != nil {
				svc.HandleWorkerDeath(info)
			}
		}),
	)
	if err != nil {
		log.Fatalw("Failed to create worker supervisor", "error", err)
	}

	svc = services.NewSessionService(services.ServiceConfig{
		Codecs: rtpcaps.FromConfig(cfg.Router.MediaCodecs),
		Listen: domain.TransportListenConfig{
			ListenIP:    cfg.Transport.ListenIP,
			AnnouncedIP: cfg.Transport.AnnouncedIP,
			EnableUDP:   cfg.Transport.EnableUDP,
			EnableTCP:   cfg.Transport.EnableTCP,
			PreferUDP:   cfg.Transport.PreferUDP,
		},
		CallTimeout: cfg.Engine.CallTimeout,
		InstanceID:  instanceID,
	}, supervisor, log.Named("session"),
		services.WithRepository(repo),
		services.WithEventBus(bus),
		services.WithMetrics(collector),
	)

	startCtx, startCancel := context.WithTimeout(rootCtx, 10*time.Second)
	err = supervisor.Start(startCtx)
	startCancel()
	if err != nil {
		log.Fatalw("Failed to start workers", "error", err)
	}

	go func() {
		err := bus.Subscribe(rootCtx, func(e *domain.ClusterEvent) error {
			log.Debugw("Cluster event",
				"type", e.Type,
				"from", e.InstanceID,
				"session_id", e.SessionID,
				"producer_id", e.ProducerID,
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnw("Event subscription ended", "error", err)
		}
	}()

	if registry != nil {
		go registry.Run(rootCtx, func() distributed.InstanceInfo {
			return distributed.InstanceInfo{
				Sessions: svc.Count(),
				Routers:  svc.RouterCount(),
				Healthy:  supervisor.Healthy(),
			}
		})
	}

	// HTTP surface
	var auth services.AuthService
	if cfg.Auth.Enabled {
		auth = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	sigOpts := []sig.Option{sig.WithMetrics(collector)}
	if auth != nil {
		sigOpts = append(sigOpts, sig.WithAuth(auth))
	}
	signalServer := sig.NewServer(sig.ConfigFrom(cfg), svc, zapLogger, sigOpts...)

	checker := monitoring.NewHealthChecker()
	checker.AddWorkerCheck(supervisor)
	checker.AddRepositoryCheck(repo, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}

	var instances httphandlers.InstanceLister
	if registry != nil {
		instances = registry
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	sessionHandler := httphandlers.NewSessionHandler(svc, supervisor, repo, instances)
	defer sessionHandler.Close()
	router := httphandlers.NewRouter(cfg, log.Named("http"), httphandlers.Routes{
		Signal:   signalServer,
		Health:   httphandlers.NewHealthHandler(checker),
		Sessions: sessionHandler,
		Auth:     auth,
		Gatherer: prometheus.DefaultGatherer,
	})

	// Websocket connections are long lived, so no WriteTimeout here.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting signaling server",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"workers", cfg.Worker.Count,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case s := <-sigChan:
		log.Infow("Received shutdown signal", "signal", s)
	}

	log.Info("Shutting down signaling server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during HTTP shutdown", "error", err)
		_ = srv.Close()
	}
	if err := signalServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error closing signaling connections", "error", err)
	}
	svc.Shutdown(shutdownCtx)
	stop()

	if err := supervisor.Close(); err != nil {
		log.Errorw("Error closing workers", "error", err)
	}
	if err := bus.Close(); err != nil {
		log.Errorw("Error closing event bus", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("Signaling server stopped")
}
