package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellarvoice/voicegw/internal/call"
	"github.com/stellarvoice/voicegw/internal/config"
	"github.com/stellarvoice/voicegw/internal/journal"
	"github.com/stellarvoice/voicegw/internal/media"
	"github.com/stellarvoice/voicegw/internal/metrics"
	"github.com/stellarvoice/voicegw/internal/providers"
	"github.com/stellarvoice/voicegw/internal/sipfront"
	"github.com/stellarvoice/voicegw/internal/token"
	"github.com/stellarvoice/voicegw/internal/trunk"
	"github.com/stellarvoice/voicegw/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicegw",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"media_server", cfg.MediaServerURL,
	)

	sipCfg, err := config.LoadSIPConfig(cfg.SIPConfigPath)
	if err != nil {
		slog.Error("failed to load sip config", "error", err)
		os.Exit(1)
	}

	// Journal store; migrations run inside Open.
	db, err := journal.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open journal database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	jrnl := journal.New(db, logger)

	mets := metrics.New()

	// Token authority signs both media-API admin tokens and per-call
	// participant tokens.
	authority := token.NewAuthority(cfg.MediaAPIKey, []byte(cfg.MediaAPISecret), logger)
	defer authority.Close()

	adminTokens := func(ttl time.Duration) (string, time.Time, error) {
		tok, err := authority.Mint(token.TypeAdmin, "voicegw-control", "", ttl, false)
		if err != nil {
			return "", time.Time{}, err
		}
		return tok, time.Now().Add(ttl), nil
	}
	mediaClient := media.NewClient(cfg.MediaServerURL, adminTokens, media.DefaultRetryPolicy(), logger)

	// Turn pipeline providers.
	stt := providers.NewSTTClient(cfg.STTURL, cfg.STTAPIKey)
	llm := providers.NewLLMClient(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel)
	tts := providers.NewTTSClient(cfg.TTSURL, cfg.TTSAPIKey, 0)
	sink := providers.NewRoomSink(mediaClient)

	orch := call.New(call.Options{
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		ResponseTimeout:    cfg.ResponseTimeout,
		FlushChunkCount:    cfg.AudioFlushChunkCount,
		ContextWindowTurns: cfg.ContextWindowSize / 100,
		Model:              cfg.LLMModel,
		SystemPrompt:       cfg.SystemPrompt,
	}, stt, llm, tts, sink, jrnl, mets, logger)

	// Trunk reachability supervision.
	supervisor := trunk.NewSupervisor(trunk.DialProber{}, mets, logger)
	for _, t := range sipCfg.Trunks {
		supervisor.StartTrunk(t)
	}

	// Webhook intake pipeline.
	ingestor := webhook.NewIngestor(0, orch, mediaClient, mets, logger)
	ingestor.Start()
	verifier := webhook.NewVerifier(cfg.WebhookSecret, logger)

	mets.Register(metrics.NewCollector(orch, supervisor, time.Now()))

	// The agent relays caller audio back over /agent/calls/{id}; the
	// orchestrator is the ingress that buffers it into turns.
	handler := webhook.NewServer(ingestor, verifier, orch, jrnl, mets, orch, supervisor, logger)

	// SIP edge.
	agent := sipfront.NewHTTPAgentRunner(cfg.AgentRunnerURL)
	mgr := sipfront.NewCallManager(sipCfg.RoutingRules, mediaClient, authority, agent, mets, logger)
	sipSrv, err := sipfront.NewServer(sipCfg, cfg.SIPPort, mgr, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return retentionLoop(gctx, jrnl, cfg.RetentionDays)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("background task error", "error", err)
		}
	}

	// Shutdown in reverse of startup: stop accepting calls, drain active
	// ones, then tear down the intake and supervision loops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sipSrv.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	orch.Shutdown()
	ingestor.Stop()
	supervisor.Shutdown()
	handler.Close()

	slog.Info("voicegw stopped")
}

// retentionLoop prunes journal records past the retention horizon once a
// day, with an initial pass shortly after boot.
func retentionLoop(ctx context.Context, jrnl *journal.Journal, retentionDays int) error {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		deleted, err := jrnl.Cleanup(ctx, retentionDays)
		if err != nil {
			slog.Error("journal retention cleanup failed", "error", err)
		} else if deleted > 0 {
			slog.Info("journal retention cleanup", "deleted_calls", deleted)
		}
		timer.Reset(24 * time.Hour)
	}
}
