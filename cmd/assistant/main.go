// Package main is the entry point for the assistant process: the LLM
// orchestrator and memory owner that answers inbound messages the mesh
// forwards it, and holds the authoritative policy document (spec
// §4.1, §4.10).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	osSignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/joi-mesh/internal/api"
	"github.com/nugget/joi-mesh/internal/config"
	"github.com/nugget/joi-mesh/internal/ingest"
	"github.com/nugget/joi-mesh/internal/llm"
	"github.com/nugget/joi-mesh/internal/memory"
	"github.com/nugget/joi-mesh/internal/meshauth"
	"github.com/nugget/joi-mesh/internal/policy"
	"github.com/nugget/joi-mesh/internal/prompts"
	"github.com/nugget/joi-mesh/internal/queue"
	"github.com/nugget/joi-mesh/internal/ratelimit"
	"github.com/nugget/joi-mesh/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfgPath, err := config.FindConfig("assistant", *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAssistant(cfgPath)
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
	logger.Info("assistant starting", "config", cfgPath, "listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port))

	encKey, err := memory.ProbeEncryptionKey(cfg.Memory.EncryptionKeyFile)
	if err != nil {
		logger.Error("encryption key probe failed", "error", err)
		os.Exit(1)
	}
	if err := memory.RequireEncryption(cfg.Memory.RequireEncryption, encKey); err != nil {
		logger.Error("startup blocked", "error", err)
		os.Exit(1)
	}

	store, err := memory.Open(cfg.Memory.DBPath)
	if err != nil {
		logger.Error("failed to open memory store", "path", cfg.Memory.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

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

	state, err := loadOrBootstrapState(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy state", "path", cfg.PolicyFile, "error", err)
		os.Exit(1)
	}

	vpnCIDRs := parseCIDRs(logger, cfg.Admin.VPNCIDRs)

	llmClient := createLLMClient(cfg.LLM, logger)

	membership := prompts.NewMembershipCache(
		time.Duration(cfg.MembershipMaxAgeSec)*time.Second,
		func() (map[string][]string, error) {
			fc, _ := state.Current()
			groups := make(map[string][]string)
			for groupID, group := range fc.Identity.Groups {
				for _, memberID := range group.Participants {
					groups[memberID] = append(groups[memberID], groupID)
				}
			}
			return groups, nil
		},
	)

	resolver := &prompts.Resolver{
		Root:       cfg.PromptsRoot,
		Membership: membership,
	}

	ingester := ingest.New(ingest.Config{
		Root:        cfg.Ingestion.Root,
		ChunkSize:   cfg.Ingestion.ChunkSize,
		Overlap:     cfg.Ingestion.Overlap,
		KeepFiles:   cfg.Ingestion.KeepFiles,
		MaxFileSize: cfg.Ingestion.MaxFileSize,
	}, store, logger)

	summarizer := &memory.LLMSummarizer{Client: llmClient, Model: cfg.LLM.Model}
	compactionCfg := memory.CompactionConfig{ContextWindow: cfg.Memory.CompactionContext, ArchiveOnly: cfg.Memory.ArchiveOnCompact}
	compactor := memory.NewCompactor(store, compactionCfg, summarizer, logger)

	requestTimeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	meshClient := api.NewMeshClient(strings.TrimRight(cfg.MeshURL, "/"), rotator, requestTimeout)

	server := &api.AssistantServer{
		Store:         store,
		Queue:         queue.New(logger),
		LLM:           llmClient,
		Model:         cfg.LLM.Model,
		Prompts:       resolver,
		State:         state,
		Verifier:      verifier,
		Rotator:       rotator,
		Mesh:          meshClient,
		Ingest:        ingester,
		Compactor:     compactor,
		Outbound:      ratelimit.NewOutboundLimiter(cfg.RateLimit.OutboundMaxPerHour),
		Cooldown:      ratelimit.NewCooldown(secondsToDuration(cfg.RateLimit.CooldownDMSec), secondsToDuration(cfg.RateLimit.CooldownGroupSec)),
		VPNCIDRs:      vpnCIDRs,
		RecentN:       cfg.LLM.RecentMessages,
		TimeAwareness: cfg.TimeAwareness,
		QueueTimeout:  time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		DefaultGrace:  cfg.HMAC.DefaultGracePeriod(),
		Logger:        logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := buildScheduler(cfg, server, rotator, membership, logger)
	go sched.Run(ctx)
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: server.Routes(),
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

	logger.Info("assistant listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("assistant server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("assistant stopped")
}

func loadOrBootstrapState(path string) (*policy.AssistantState, error) {
	state, err := policy.LoadAssistantState(path)
	if err == nil {
		return state, nil
	}
	if !os.IsNotExist(unwrapPathError(err)) {
		return nil, err
	}
	return policy.NewAssistantState(path, policy.FileConfig{})
}

// unwrapPathError peels back fmt.Errorf's %w wrapping far enough for
// os.IsNotExist to recognize a missing policy file as "bootstrap fresh"
// rather than a hard failure.
func unwrapPathError(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		if os.IsNotExist(err) {
			return err
		}
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

func parseCIDRs(logger *slog.Logger, raw []string) []*net.IPNet {
	var out []*net.IPNet
	for _, s := range raw {
		_, cidr, err := net.ParseCIDR(s)
		if err != nil {
			logger.Warn("invalid vpn cidr, skipping", "cidr", s, "error", err)
			continue
		}
		out = append(out, cidr)
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// createLLMClient wires a multi-provider LLM client, routing the
// configured default model to its provider and falling back to Ollama
// for anything unregistered.
func createLLMClient(cfg config.LLMConfig, logger *slog.Logger) llm.Client {
	ollamaURL := cfg.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}

	ollama := llm.NewOllamaClient(ollamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.AnthropicKey != "" {
		anthropic := llm.NewAnthropicClient(cfg.AnthropicKey, logger)
		multi.AddProvider("anthropic", anthropic)
		multi.AddModel(cfg.Model, "anthropic")
		logger.Info("anthropic provider configured")
	} else {
		multi.AddModel(cfg.Model, "ollama")
	}

	return multi
}

func buildScheduler(cfg *config.AssistantConfig, server *api.AssistantServer, rotator *meshauth.KeyRotator, membership *prompts.MembershipCache, logger *slog.Logger) *scheduler.Scheduler {
	tasks := []scheduler.Task{
		{
			Name:     "auto_ingest",
			Interval: scheduler.IntervalEveryTick,
			Run: func(ctx context.Context) error {
				_, _, err := server.Ingest.ProcessPending()
				return err
			},
		},
		{
			Name:     "config_sync_check",
			Interval: scheduler.IntervalConfigSync,
			Run: func(ctx context.Context) error {
				meshHash, err := server.Mesh.Status(ctx)
				if err != nil {
					return fmt.Errorf("poll mesh status: %w", err)
				}
				_, localHash := server.State.Current()
				if meshHash == localHash {
					return nil
				}
				_, err = server.PushConfig(ctx, nil)
				return err
			},
		},
		{
			Name:     "membership_refresh",
			Interval: scheduler.IntervalMembershipRefresh,
			Run: func(ctx context.Context) error {
				return membership.Refresh()
			},
		},
		scheduler.NonceCleanupTask(server.Verifier.Nonces),
	}

	if cfg.Scheduler.RotationWeekly {
		tasks = append(tasks, scheduler.KeyRotationTask(
			rotator,
			7*24*time.Hour,
			cfg.HMAC.DefaultGracePeriod(),
			func(oldSecret []byte, newSecretHex string, effectiveAt time.Time, grace time.Duration) error {
				rotation := &policy.RotationInfo{
					NewSecretHex:  newSecretHex,
					EffectiveAtMs: effectiveAt.UnixMilli(),
					GracePeriodMs: grace.Milliseconds(),
				}
				fc, _ := server.State.Current()
				payload := policy.PushPayload{FileConfig: fc, TimestampMs: time.Now().UnixMilli(), HMACRotation: rotation}
				hash, err := server.Mesh.PushConfigWithSecret(context.Background(), payload, oldSecret)
				if err != nil {
					return err
				}
				server.State.RecordPush(hash, time.Now().UnixMilli())
				return nil
			},
		))
	}

	opts := []scheduler.Option{scheduler.WithStartupDelay(time.Duration(cfg.Scheduler.StartupDelaySec) * time.Second)}

	tamperFiles := []string{cfg.PolicyFile}
	if cfg.Memory.EncryptionKeyFile != "" {
		tamperFiles = append(tamperFiles, cfg.Memory.EncryptionKeyFile)
	}
	if checker, err := scheduler.NewTamperChecker(tamperFiles, []string{cfg.PromptsRoot + "/**/*"}); err == nil {
		opts = append(opts, scheduler.WithTamperChecker(checker))
	} else {
		logger.Warn("tamper checker unavailable, skipping baseline", "error", err)
	}

	return scheduler.New(logger, time.Duration(cfg.Scheduler.IntervalSec)*time.Second, tasks, opts...)
}
