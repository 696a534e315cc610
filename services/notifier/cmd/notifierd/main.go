package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"zeroshare/internal/config"
	"zeroshare/pkg/bus"
	"zeroshare/pkg/metrics"
	"zeroshare/pkg/telemetry"
	"zeroshare/services/notifier"
)

const (
	serviceName    = "notifierd"
	durableName    = "compliance-notifier"
	shutdownWindow = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		Service:      serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Level:        cfg.LogLevel,
		Out:          os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	reg := metrics.New(true)
	store, mailer, err := notifier.Capabilities(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ncfg := notifier.ConfigFrom(cfg, store, mailer)
	ncfg.Logger = logger
	ncfg.Metrics = reg
	n, err := notifier.New(ncfg)
	if err != nil {
		return err
	}

	var b *bus.Bus
	if cfg.NATSURL != "" {
		b, err = bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: notifier.Router(notifier.RouterOptions{
			Notifier:       n,
			Recipients:     cfg.Mail.Recipients,
			AllowedOrigins: cfg.AllowedOrigins,
			Ready:          ready(b),
			Gatherer:       reg.Gatherer(),
			Service:        serviceName,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if b != nil {
		g.Go(func() error {
			sub, err := b.Subscribe(gctx, cfg.EventsSubject, durableName, n.BusHandler(cfg.Mail.Recipients))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", cfg.EventsSubject, err)
			}
			logger.Info().Str("subject", cfg.EventsSubject).Msg("consuming storage events")
			<-gctx.Done()
			return sub.Close()
		})
	}

	return g.Wait()
}

func ready(b *bus.Bus) func() error {
	if b == nil {
		return nil
	}
	return b.Ready
}
