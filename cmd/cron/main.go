package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ForumPulse/internal/config"
	"ForumPulse/internal/db"
	"ForumPulse/internal/digest"
	"ForumPulse/internal/eligibility"
	"ForumPulse/internal/email"
	"ForumPulse/internal/mailer"
	"ForumPulse/internal/metrics"
	"ForumPulse/internal/render"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Pipeline
	// ------------------------------------------------
	renderer, err := render.New()
	if err != nil {
		logger.Fatal("renderer init failed", zap.Error(err))
	}

	sender := &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	resolver := eligibility.NewResolver(store)

	immediate := mailer.New(store, store, resolver, renderer, sender, limiter, logger, mailer.Options{
		Window:            cfg.MailWindow,
		Grace:             cfg.EditGrace,
		Ceiling:           cfg.ProfileCacheCeiling,
		SiteHost:          cfg.SiteHost,
		ReplyToEnabled:    cfg.ReplyToEnabled,
		ManualReadMarking: cfg.ManualReadMarking,
	})
	immediate.ExtendBudget = func(d time.Duration) {
		logger.Debug("execution budget extended", zap.Duration("by", d))
	}

	daily := digest.New(store, store, resolver, renderer, sender, limiter, logger, digest.Options{
		Hour:              cfg.DigestHour,
		Ceiling:           cfg.ProfileCacheCeiling,
		ManualReadMarking: cfg.ManualReadMarking,
	})
	daily.ExtendBudget = immediate.ExtendBudget

	// ------------------------------------------------
	// Scheduler Loop
	// ------------------------------------------------
	logger.Info("notification cron started",
		zap.Duration("interval", cfg.CronInterval),
		zap.Int("digest_hour", cfg.DigestHour),
	)

	ticker := time.NewTicker(cfg.CronInterval)
	defer ticker.Stop()

	for {
		if !immediate.Run(ctx) {
			logger.Warn("immediate pass aborted; posts left pending for next tick")
		}
		// The digest gate is checked every tick and fires at most once
		// per day past the configured hour.
		if !daily.Run(ctx, time.Now()) {
			logger.Warn("digest pass failed; will retry next tick")
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown failed", zap.Error(err))
			}

			logger.Info("application shutdown complete")
			return
		case <-ticker.C:
		}
	}
}
