package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dmarchetti/encore/internal/audio"
	"github.com/dmarchetti/encore/internal/config"
	"github.com/dmarchetti/encore/internal/executor"
	"github.com/dmarchetti/encore/internal/flow"
	"github.com/dmarchetti/encore/internal/httpapi"
	"github.com/dmarchetti/encore/internal/observability"
	"github.com/dmarchetti/encore/internal/session"
	"github.com/dmarchetti/encore/internal/settle"
	"github.com/dmarchetti/encore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	sessionStore, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer sessionStore.Close()

	signer, err := settle.NewSignerFromFile(cfg.SigningKeyPath)
	if err != nil {
		log.Fatalf("settlement signer init failed: %v", err)
	}

	svcCfg := executor.ServiceConfig{
		STTBaseURL:    cfg.STTBaseURL,
		STTTimeout:    cfg.STTTimeout,
		ScorerBaseURL: cfg.ScorerBaseURL,
		ScorerModel:   cfg.ScorerModel,
		ScorerTimeout: cfg.ScorerTimeout,
	}
	var exec executor.Executor
	switch {
	case strings.TrimSpace(cfg.VaultKeyHex) != "":
		vault, err := executor.LoadVault(cfg.VaultKeyHex, cfg.CredentialsPath)
		if err != nil {
			log.Fatalf("credential vault init failed: %v", err)
		}
		exec = executor.NewService(svcCfg, vault, executor.PermissivePolicy{}, signer)
		log.Printf("executor: in-process with encrypted credentials")
	case cfg.STTAPIKey != "" && cfg.ScorerAPIKey != "":
		vault, err := executor.NewStaticVault(executor.Credentials{
			STTAPIKey:    cfg.STTAPIKey,
			ScorerAPIKey: cfg.ScorerAPIKey,
		})
		if err != nil {
			log.Fatalf("credential vault init failed: %v", err)
		}
		exec = executor.NewService(svcCfg, vault, executor.PermissivePolicy{}, signer)
		log.Printf("executor: in-process with environment credentials")
	default:
		exec = executor.NewMock(signer)
		log.Printf("executor: mock (no provider credentials configured)")
	}

	var ledger settle.Ledger
	if strings.TrimSpace(cfg.LedgerURL) != "" {
		ledger = settle.NewHTTPLedger(settle.RelayerConfig{
			BaseURL:         cfg.LedgerURL,
			Timeout:         cfg.LedgerTimeout,
			ConfirmAttempts: cfg.LedgerConfirmAttempts,
			ConfirmInterval: cfg.LedgerConfirmInterval,
		})
		log.Printf("ledger: relayer at %s", cfg.LedgerURL)
	} else {
		mem := settle.NewMemoryLedger(signer.Public())
		ledger = mem
		log.Printf("ledger: in-memory (LEDGER_RELAYER_URL not set)")
	}

	sessions := session.NewManager(cfg.SessionCreditBudget, cfg.PracticeThreshold, cfg.SessionInactivityTimeout)
	performer := flow.NewPerformer(sessions, exec, sessionStore, ledger, audio.NewEncoder(cfg.AudioSampleRate), flow.Config{
		ScoringRetries: cfg.ScoringRetries,
		RetryBackoff:   cfg.RetryBackoff,
		Stages:         metrics,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		if err := performer.Checkpoint(context.Background(), s); err != nil {
			log.Printf("checkpoint of expired session %s failed: %v", s.ID, err)
		}
	})

	api := httpapi.New(cfg, performer, sessions, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
