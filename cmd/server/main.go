package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/socketcore/internal/archive"
	"github.com/example/socketcore/internal/broadcast"
	"github.com/example/socketcore/internal/config"
	"github.com/example/socketcore/internal/eventloop"
	"github.com/example/socketcore/internal/history"
	"github.com/example/socketcore/internal/observability"
	"github.com/example/socketcore/internal/presence"
	"github.com/example/socketcore/internal/storage"
	"github.com/example/socketcore/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogPretty).With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	registry := ws.NewRegistry()

	var handler ws.Handler = ws.LogHandler(logger)
	if cfg.EchoReplies {
		handler = ws.EchoHandler
	}

	var journal *storage.Journal
	if resources.Postgres != nil {
		journal = storage.NewJournal(resources.Postgres, logger)
		if err := journal.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare journal")
		}
		handler = journal.Wrap(handler)

		if resources.Object != nil {
			uploader := archive.MinioUploader{Client: resources.Object, Bucket: cfg.ObjectBucket}
			archive.NewWorker(journal, uploader, cfg.ArchiveInterval, cfg.ArchiveBatch, logger).Start(ctx)
		}
	}

	if resources.Redis != nil {
		relay := broadcast.NewRedisRelay(resources.Redis, registry, cfg.RelayChannel, logger)
		relay.Start(ctx)
		handler = relay.Wrap(handler)
	}

	sessionOpts := registry.Hooks(ws.SessionOptions{
		Handler:           handler,
		Plain:             ws.AliveResponder,
		Logger:            logger,
		Trace:             observability.TraceLogger(logger, cfg.FrameTrace),
		MaxHandshakeBytes: cfg.MaxHandshakeBytes,
		SendQueueSize:     cfg.SendQueueSize,
	})

	var roster *presence.Service
	if resources.Redis != nil {
		hostname, _ := os.Hostname()
		roster = presence.NewService(resources.Redis, cfg.AppName+"@"+hostname, logger)
		roster.Start(ctx)
		sessionOpts = roster.WrapHooks(sessionOpts)
	}

	var httpServer *http.Server
	if cfg.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.WSPath, ws.NewGateway(sessionOpts, logger, ws.GatewayConfig{
			ReadBufferSize: cfg.ReadBufferSize,
			WriteTimeout:   cfg.WriteTimeout,
			Plain:          history.AliveHandler(),
		}))
		if journal != nil {
			mux.Handle("/sessions/", history.NewHTTPHandler(journal, logger))
		}
		if roster != nil {
			mux.Handle("/presence", roster.HTTPHandler())
		}
		mux.Handle("/", history.AliveHandler())

		httpServer = &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info().Str("addr", cfg.HTTPListenAddr).Str("path", cfg.WSPath).Msg("http server starting")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("http server failed")
			}
		}()
	}

	var rawServer *eventloop.Server
	if cfg.RawListenAddr != "" {
		rawServer = eventloop.New(eventloop.Config{
			Addr:            cfg.RawListenAddr,
			NPoller:         cfg.NPoller,
			ReadBufferSize:  cfg.ReadBufferSize,
			MaxPendingBytes: cfg.MaxPendingBytes,
		}, sessionOpts, logger.With().Str("addr", cfg.RawListenAddr).Logger())
		if err := rawServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start raw socket engine")
		}
	}

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Int("sessions", registry.Len()).Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}
		if rawServer != nil {
			rawServer.Stop()
		}
		registry.CloseAll(nil)
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}
