// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/capture/config"
	internal_broadcast "github.com/rapidaai/capture/internal/broadcast"
	internal_host "github.com/rapidaai/capture/internal/host"
	internal_orchestrator "github.com/rapidaai/capture/internal/orchestrator"
	internal_services "github.com/rapidaai/capture/internal/services"
	internal_state "github.com/rapidaai/capture/internal/state"
	internal_transfer "github.com/rapidaai/capture/internal/transfer"
	internal_upload "github.com/rapidaai/capture/internal/upload"
	"github.com/rapidaai/capture/pkg/commons"
	capture_routers "github.com/rapidaai/capture/router"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load application config: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	logger.Infof("starting %s version %s", cfg.Name, cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := internal_state.NewStore(&cfg.RedisConfig, logger)

	objects, err := internal_services.NewObjectStore(&cfg.AssetStoreConfig, logger)
	if err != nil {
		logger.Fatalf("failed to build asset store client: %v", err)
	}
	transcriber := internal_services.NewDeepgramTranscriber(cfg.DeepgramApiKey, logger)
	summarizer := internal_services.NewOpenAiSummarizer(cfg.OpenAiApiKey, logger)
	exporter := internal_services.NewWebhookExporter(cfg.ExportWebhook, logger)

	broadcaster := internal_broadcast.NewBroadcaster(logger)

	pipeline := internal_upload.NewPipeline(logger, &cfg.Recording, store, objects,
		transcriber, summarizer, broadcaster)

	host := internal_host.NewRemoteHost(cfg.CaptureHostURL, logger)
	supervisor := internal_host.NewSupervisor(logger, host,
		internal_host.WithAttempts(cfg.Recording.HostAttempts),
		internal_host.WithSettleDelay(cfg.Recording.SettleDelay),
		internal_host.WithInitDelay(cfg.Recording.HostInitDelay),
		internal_host.WithReadyTimeout(cfg.Recording.ReadyTimeout),
	)

	var orchestrator *internal_orchestrator.Orchestrator
	receiver := internal_transfer.NewReceiver(logger,
		func(ctx context.Context, payload *internal_transfer.Payload) {
			orchestrator.OnPayload(ctx, payload)
		},
		internal_transfer.WithStager(store, cfg.Recording.LargePayloadThreshold),
		internal_transfer.WithReadyHook(func(string) { host.SignalReady() }),
	)

	orchestrator = internal_orchestrator.New(ctx, logger, &cfg.Recording, store,
		supervisor, pipeline, receiver, broadcaster, exporter, objects)

	engine := gin.New()
	engine.Use(gin.Recovery())
	capture_routers.HealthCheckRoutes(cfg, engine, logger, orchestrator, store)
	capture_routers.RecordingRoutes(cfg, engine, logger, orchestrator, receiver)
	capture_routers.EventRoutes(cfg, engine, logger, broadcaster)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Infof("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("orchestrator shutdown: %v", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatalf("server terminated: %v", err)
	}
	logger.Infof("stopped")
}
