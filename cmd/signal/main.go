package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"duocall/internal/infrastructure/middleware"
	"duocall/internal/infrastructure/repositories"
	"duocall/internal/infrastructure/signal"
	"duocall/pkg/config"
	"duocall/pkg/logger"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/duocall/config.yaml",
		"config.yaml",
	}

	path := configPaths[0]
	for _, p := range configPaths {
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Store.Backend == config.StoreRemote {
		log.Fatal("the signal server cannot use the remote store backend; use memory or redis")
	}

	store, err := repositories.NewCallRecordStore(cfg, log)
	if err != nil {
		log.Fatalw("failed to create call record store", "error", err)
	}

	serverCfg := signal.DefaultServerConfig()
	serverCfg.PingInterval = cfg.Signal.PingInterval
	serverCfg.PongTimeout = cfg.Signal.PongTimeout
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		serverCfg.MessagesPerSecond = ws.MessagesPerSecond
		serverCfg.Burst = ws.Burst
		serverCfg.MaxConnections = ws.MaxConcurrent
		serverCfg.MaxMessageSize = ws.MaxMessageSizeBytes
	}

	recordServer := signal.NewRecordServer(store, serverCfg, log)
	if cfg.RateLimiting.Enabled {
		recordServer.SetAdmission(middleware.NewWebSocketAdmission(cfg))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", recordServer.HandleWebSocket)
	mux.HandleFunc("/health", recordServer.HealthCheck)

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signal server", "address", cfg.Signal.Address, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	recordServer.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Errorw("error closing call record store", "error", err)
	}
	log.Info("signal server stopped")
}
