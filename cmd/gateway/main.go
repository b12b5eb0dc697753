package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mew-protocol/mew-gateway/internal/auth"
	"github.com/mew-protocol/mew-gateway/internal/config"
	"github.com/mew-protocol/mew-gateway/internal/gateway"
	"github.com/mew-protocol/mew-gateway/internal/gateway/spacelog"
	"github.com/mew-protocol/mew-gateway/internal/space"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to gateway config file")
	flag.Parse()

	// .env is optional; environment still wins over the yaml file.
	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.Secret == "" && !cfg.Auth.Insecure {
		logger.Error("no token secret configured; set MEW_TOKEN_SECRET or auth.insecure")
		os.Exit(1)
	}

	recorder := spacelog.New(cfg.Logs.Dir, logger)
	defer recorder.Close()

	verifier := auth.NewVerifier(
		cfg.Auth.Secret,
		cfg.Auth.Insecure,
		config.CapabilityPatterns(cfg.Auth.DefaultCapabilities),
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
	)
	spaces := space.NewManager(cfg.SpaceConfig(), recorder, logger)
	srv := gateway.New(cfg, verifier, spaces, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go spaces.Run(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received, draining")
		cancel()
		spaces.Shutdown("gateway_shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("mew gateway listening",
		"port", cfg.Server.Port,
		"protocol", cfg.Protocol.Version,
		"insecure_auth", cfg.Auth.Insecure,
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}
