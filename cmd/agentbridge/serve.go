package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"agentbridge/internal/config"
	"agentbridge/internal/dedupe"
	"agentbridge/internal/metrics"
	"agentbridge/internal/pipeline"
	"agentbridge/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.RequireServe(cfg); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("engine client: %w", err)
	}

	registry, st, err := newRegistry(ctx, cfg, eng)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer st.Close()

	transcriber, rec, err := newTranscriber(ctx, cfg)
	if err != nil {
		return fmt.Errorf("speech client: %w", err)
	}
	defer rec.Close()

	wa := newWhatsApp(cfg)

	seen := dedupe.New(cfg.Pipeline.DedupeTTL, cfg.Pipeline.DedupeMaxSize)
	defer seen.Close()

	ingestor := pipeline.NewIngestor(pipeline.IngestorConfig{
		VerifyToken:       cfg.WhatsApp.VerifyToken,
		AppSecret:         cfg.WhatsApp.AppSecret,
		Downloader:        wa,
		Transcriber:       transcriber,
		Sessions:          registry,
		Engine:            eng,
		Dispatcher:        wa,
		Dedupe:            seen,
		SpeechOptions:     speechOptions(cfg),
		AdvisoryThreshold: cfg.Pipeline.AdvisoryThreshold,
		PrefaceThreshold:  cfg.Pipeline.PrefaceThreshold,
		MaxConcurrency:    cfg.Pipeline.MaxConcurrency,
		EventTimeout:      cfg.Pipeline.EventTimeout,
		Logger:            logger,
	})

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Default.Handler()
	}

	srv := server.New(server.Config{
		ServiceName:  cfg.Server.ServiceName,
		WebhookPath:  cfg.WhatsApp.WebhookPath,
		MetricsPath:  cfg.Metrics.Path,
		Metrics:      metricsHandler,
		EventTimeout: cfg.Pipeline.EventTimeout,
		Webhook:      ingestor,
		Sessions:     registry,
		Engine:       eng,
		Logger:       logger,
	})

	logger.Info("agentbridge starting",
		"version", version,
		"engine", cfg.Engine.EngineID,
		"location", cfg.Engine.Location,
		"session_backend", cfg.Sessions.Backend,
	)
	return srv.ListenAndServe(ctx, cfg.Addr())
}
