package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/bus"
	"github.com/erauner12/chatbus/internal/config"
	"github.com/erauner12/chatbus/internal/db"
	"github.com/erauner12/chatbus/internal/deadletter"
	"github.com/erauner12/chatbus/internal/egress"
	"github.com/erauner12/chatbus/internal/gateway"
	"github.com/erauner12/chatbus/internal/history"
	"github.com/erauner12/chatbus/internal/httpapi"
	"github.com/erauner12/chatbus/internal/perm"
	"github.com/erauner12/chatbus/internal/publish"
	"github.com/erauner12/chatbus/internal/ratelimit"
	"github.com/erauner12/chatbus/internal/sequence"
	"github.com/erauner12/chatbus/internal/session"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "chatbus").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Pretty logging for local dev
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection and schema
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// Stores
	perms := perm.NewStore(pool)
	seq := sequence.NewCounter(pool)
	hist := history.NewStore(pool, cfg.HistoryTTL)
	dlq := deadletter.NewStore(pool)

	// Topic pair
	fifo := bus.New(bus.Options{Name: cfg.FIFOTopic, FIFO: true, DedupWindow: cfg.DedupWindow})
	standard := bus.New(bus.Options{Name: cfg.StandardTopic})

	registry := session.NewRegistry()
	egressProc := egress.NewProcessor(registry, cfg.ValidityWindow)
	histProc := history.NewProcessor(hist)

	// Each topic fans out to the live-session path and to history. The
	// history subscription is unfiltered: every accepted envelope gets a
	// record, whatever its target channel.
	for _, topic := range []*bus.Topic{fifo, standard} {
		if err := topic.Subscribe(bus.SubOptions{
			Name:         "egress",
			Filter:       bus.ChannelFilter(cfg.SessionChannel),
			Handler:      egressProc.Handle,
			MaxAttempts:  cfg.MaxDeliveryAttempts,
			OnDeadLetter: dlq.Park,
		}); err != nil {
			log.Fatal().Err(err).Str("topic", topic.Name()).Msg("egress subscription failed")
		}
		if err := topic.Subscribe(bus.SubOptions{
			Name:         "history",
			Handler:      histProc.Handle,
			MaxBatch:     10,
			MaxAttempts:  cfg.MaxDeliveryAttempts,
			OnDeadLetter: dlq.Park,
		}); err != nil {
			log.Fatal().Err(err).Str("topic", topic.Name()).Msg("history subscription failed")
		}
	}

	publisher := publish.New(perms, seq, fifo, standard)

	// Token verification; dev mode may run on the debug header alone
	var verifier *auth.Verifier
	if cfg.IssuerURL != "" {
		verifier = auth.NewVerifier(cfg.IssuerURL, cfg.Audience)
		warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := verifier.WarmUp(warmCtx); err != nil {
			log.Warn().Err(err).Msg("JWKS warm-up failed, keys will load on first use")
		}
		cancel()
	} else if !cfg.DevMode {
		log.Fatal().Msg("ISSUER_URL is required outside dev mode")
	}

	if len(cfg.AdminPrincipals) == 0 {
		log.Warn().Msg("ADMIN_PRINCIPALS is empty - admin APIs are open to any authenticated principal")
	}

	limiter := ratelimit.New(cfg.RateRPS, cfg.RateBurst)
	defer limiter.Stop()

	gwOpts := gateway.Options{
		Perms:          perms,
		Registry:       registry,
		Publisher:      publisher,
		Limiter:        limiter,
		DevMode:        cfg.DevMode,
		AuthTimeout:    cfg.AuthTimeout,
		PublishTimeout: cfg.PublishTimeout,
		SendBuffer:     cfg.SessionSendBuffer,
	}
	if verifier != nil {
		gwOpts.Verifier = verifier
	}
	gw := gateway.New(gwOpts)

	srv := &httpapi.Server{
		Cfg:         cfg,
		Verifier:    verifier,
		Publisher:   publisher,
		Perms:       perms,
		History:     hist,
		DeadLetters: dlq,
		Limiter:     limiter,
		Session:     gw,
	}

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Bool("devMode", cfg.DevMode).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		hist.RunReaper(gctx, time.Hour)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")

		// Stop admitting sessions and tell live ones to go away, then
		// drain HTTP and finally let the topics flush their queues.
		gw.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelDrain()
		if err := fifo.Close(drainCtx); err != nil {
			log.Warn().Err(err).Msg("fifo topic did not drain cleanly")
		}
		if err := standard.Close(drainCtx); err != nil {
			log.Warn().Err(err).Msg("standard topic did not drain cleanly")
		}

		registry.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
	log.Info().Msg("server stopped")
}
