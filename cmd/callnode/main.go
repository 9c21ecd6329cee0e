package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/services"
	httphandlers "duocall/internal/handlers/http"
	"duocall/internal/infrastructure/media"
	"duocall/internal/infrastructure/middleware"
	"duocall/internal/infrastructure/monitoring"
	"duocall/internal/infrastructure/repositories"
	webrtcinfra "duocall/internal/infrastructure/webrtc"
	"duocall/pkg/logger"
	"duocall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, path, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded configuration", "path", path)
	}
	if cfg.Node.UserID == "" {
		log.Fatal("node.user_id is required (set DUOCALL_USER_ID)")
	}

	// Tracing
	tp, err := tracing.Init(context.Background(), tracingConfig(cfg))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Call record store
	store, err := repositories.NewCallRecordStore(cfg, log)
	if err != nil {
		log.Fatalw("failed to create call record store", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prometheusCollector := monitoring.NewPrometheusCollector(registry)
	metricsService := services.NewMetricsService(services.SystemClock())

	// Media and transport
	inbound := media.NewInboundMonitor(log)
	transports := webrtcinfra.NewTransportFactory(webrtcConfig(cfg), inbound, log)
	source := media.NewFileSource(media.Config{
		AudioFile: cfg.Media.AudioFile,
		VideoFile: cfg.Media.VideoFile,
		Loop:      cfg.Media.Loop,
	}, log)

	engine, err := services.NewCallEngine(engineConfig(cfg), services.CallEngineDeps{
		Store:      store,
		Transports: transports,
		Media:      source,
		Battery:    batterySource(cfg),
		Metrics:    services.MultiMetrics(prometheusCollector, metricsService),
		Logger:     log,
	})
	if err != nil {
		log.Fatalw("failed to create call engine", "error", err)
	}
	engine.OnIncoming(func(rec *domain.CallRecord) {
		log.Infow("ringing", "call_id", rec.ID, "from", rec.Initiator, "auto_answer", cfg.Node.AutoAnswer)
	})

	watchCtx, stopWatching := context.WithCancel(context.Background())
	go engine.WatchIncoming(watchCtx)

	// Health checks
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddStoreCheck(store, cfg.Monitoring.MetricsInterval, 2*time.Second)
	healthChecker.AddSessionCheck(engine, cfg.Monitoring.MetricsInterval, time.Second)
	healthChecker.StartBackgroundChecks(watchCtx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware(domain.UserID(cfg.Node.UserID)))
	router.Use(middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	callHandler := httphandlers.NewCallHandler(engine, metricsService, domain.UserID(cfg.Node.UserID))
	callHandler.SetInboundReporter(inbound)
	callHandler.SetupRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"user_id":   cfg.Node.UserID,
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := healthChecker.CheckAll(ctx)
		if !status.Healthy() {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting call node", "address", cfg.Server.Address, "user_id", cfg.Node.UserID, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down call node...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopWatching()
	if err := engine.Close(shutdownCtx); err != nil {
		log.Warnw("error ending active call", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := store.Close(); err != nil {
		log.Errorw("error closing call record store", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("call node stopped")
}
