// Package main is the entry point for the mesh process: the Signal
// transport adapter that bridges signal-cli to the assistant over the
// signed control plane (spec §4.1, §4.11).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	osSignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/joi-mesh/internal/api"
	"github.com/nugget/joi-mesh/internal/config"
	"github.com/nugget/joi-mesh/internal/delivery"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/policy"
	"github.com/nugget/joi-mesh/internal/ratelimit"
	signalcli "github.com/nugget/joi-mesh/internal/signal"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfgPath, err := config.FindConfig("mesh", *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	cfg, err := config.LoadMesh(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid log_level in config:", err)
		os.Exit(1)
	}
	logger := config.NewLogger(level, cfg.Dev)
	logger.Info("mesh starting", "config", cfgPath, "listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port))

	secret := os.Getenv(cfg.HMAC.SecretEnv)
	if secret == "" {
		logger.Error("hmac shared secret not set", "env", cfg.HMAC.SecretEnv)
		os.Exit(1)
	}
	rotator := meshauth.NewKeyRotator([]byte(secret), cfg.HMAC.StateFile)
	verifier := &meshauth.Verifier{
		Rotator:   rotator,
		Nonces:    meshauth.NewNonceStore(cfg.HMAC.NonceRetention()),
		Tolerance: cfg.HMAC.Tolerance(),
		Logger:    logger,
	}

	fc := loadBootstrapPolicy(logger, cfg.PolicyBootstrapFile)
	pol := policy.FromFileConfig(fc)
	policyHolder := policy.NewHolder(pol, "")

	sigClient := signalcli.NewClient(cfg.SignalCLI.Command, cfg.SignalCLI.Args, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sigClient.Start(ctx); err != nil {
		logger.Error("failed to start signal-cli", "error", err)
		os.Exit(1)
	}
	defer sigClient.Close()

	forwarder := signalcli.NewForwarder(
		sigClient,
		pol,
		rotator,
		strings.TrimRight(cfg.AssistantURL, "/")+"/api/v1/message/inbound",
		cfg.OwnerTransportID,
		logger,
	)
	go forwarder.Run(ctx)

	tracker := delivery.New(24 * time.Hour)
	go consumeReceipts(ctx, sigClient, tracker)

	transportTimeout := time.Duration(cfg.TransportTimeoutSec) * time.Second

	meshServer := api.NewMeshServer(
		policyHolder,
		verifier,
		rotator,
		sigClient,
		tracker,
		ratelimit.NewWindowed(cfg.OutboundRateLimit.MaxPerMinute, cfg.OutboundRateLimit.MaxPerHour),
		ratelimit.NewWindowed(cfg.OutboundRateLimit.EscalatedMaxPerMinute, cfg.OutboundRateLimit.EscalatedMaxPerHour),
		transportTimeout,
		logger,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: meshServer.Routes(),
	}

	sigCh := make(chan os.Signal, 1)
	osSignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("mesh listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("mesh server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mesh stopped")
}

// loadBootstrapPolicy reads the pre-first-push policy document the
// mesh starts with, tolerating a missing or empty path by falling back
// to an all-defaults FileConfig (spec §4.1's cold-start case).
func loadBootstrapPolicy(logger *slog.Logger, path string) policy.FileConfig {
	if path == "" {
		return policy.FileConfig{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("policy bootstrap file unreadable, starting with defaults", "path", path, "error", err)
		return policy.FileConfig{}
	}
	var fc policy.FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		logger.Warn("policy bootstrap file invalid, starting with defaults", "path", path, "error", err)
		return policy.FileConfig{}
	}
	return fc
}

func consumeReceipts(ctx context.Context, client *signalcli.Client, tracker *delivery.Tracker) {
	receipts := client.Receipts()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			for _, ts := range r.Timestamps {
				switch strings.ToUpper(r.Type) {
				case "DELIVERY":
					tracker.MarkDelivered(ts)
				case "READ":
					tracker.MarkRead(ts)
				case "VIEWED":
					tracker.MarkViewed(ts)
				}
			}
		}
	}
}
