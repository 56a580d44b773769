package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/admin"
	"github.com/slipstream-db/slipstream/capture"
	"github.com/slipstream-db/slipstream/cfg"
	"github.com/slipstream-db/slipstream/dest"
	"github.com/slipstream-db/slipstream/dispatch"
	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/publication"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/source"
	"github.com/slipstream-db/slipstream/subscription"
	"github.com/slipstream-db/slipstream/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Slipstream - Logical Replication for SQLite")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx := context.Background()

	// Durable change feed
	changeFeed, err := feed.Open(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change feed")
		return
	}
	defer changeFeed.Close()

	connectTimeout := time.Duration(cfg.Config.Sync.ConnectTimeoutMS) * time.Millisecond

	// Origin database: the table catalog, snapshot source and capture target
	originPath := cfg.Config.Database.OriginPath
	if originPath == "" {
		originPath = filepath.Join(cfg.Config.DataDir, "origin.db")
	}
	origin, err := source.Open(ctx, originPath, changeFeed, connectTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("path", originPath).Msg("Failed to open origin database")
		return
	}
	defer origin.Close()

	// Destination database
	destPath := cfg.Config.Database.DestinationPath
	if destPath == "" {
		destPath = filepath.Join(cfg.Config.DataDir, "destination.db")
	}
	destination, err := dest.OpenSQLite(ctx, destPath, connectTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("path", destPath).Msg("Failed to open destination database")
		return
	}
	defer destination.Close()

	// Control plane: slots, publications, dispatch, subscriptions
	slots := slot.NewManager(cfg.Config.Slots.Capacity)
	publications := publication.NewRegistry(origin)

	var subscriptions *subscription.Manager
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Feed:         changeFeed,
		Publications: publications,
		Slots:        slots,
		BatchSize:    cfg.Config.Feed.ReadBatchSize,
		PollInterval: time.Duration(cfg.Config.Feed.PollIntervalMS) * time.Millisecond,
		QueueDepth:   cfg.Config.Dispatch.QueueDepth,
		TrimInterval: time.Duration(cfg.Config.Feed.TrimIntervalS) * time.Second,
		OnPublicationMissing: func(name string, err error) {
			if subscriptions != nil {
				subscriptions.PublicationMissing(name, err)
			}
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dispatcher")
		return
	}

	subscriptions, err = subscription.NewManager(subscription.Config{
		Slots:             slots,
		Publications:      publications,
		Feed:              changeFeed,
		Dispatcher:        dispatcher,
		Source:            origin,
		Dest:              destination,
		SpoolDir:          cfg.Config.DataDir,
		CopyBatchRows:     cfg.Config.Sync.CopyBatchRows,
		ProgressTimeout:   time.Duration(cfg.Config.Sync.ProgressTimeoutMS) * time.Millisecond,
		SyncRetryInitial:  time.Duration(cfg.Config.Sync.RetryInitialMS) * time.Millisecond,
		SyncRetryMax:      time.Duration(cfg.Config.Sync.RetryMaxMS) * time.Millisecond,
		SyncMaxRetries:    cfg.Config.Sync.MaxRetries,
		ApplyRetryInitial: time.Duration(cfg.Config.Apply.RetryInitialMS) * time.Millisecond,
		ApplyRetryMax:     time.Duration(cfg.Config.Apply.RetryMaxMS) * time.Millisecond,
		ApplyMaxRetries:   cfg.Config.Apply.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize subscription manager")
		return
	}
	defer subscriptions.Close()

	// Change capture drains origin triggers into the feed
	capturer, err := capture.NewWorker(capture.Config{
		DB:           origin.DB(),
		Feed:         changeFeed,
		Catalog:      origin,
		PollInterval: time.Duration(cfg.Config.Feed.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize change capture")
		return
	}
	if err := capturer.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start change capture")
		return
	}
	defer capturer.Stop()
	origin.AttachCapture(capturer)

	dispatcher.Start()
	defer dispatcher.Stop()

	// Admin API
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewHandlers(slots, publications, subscriptions, changeFeed))

		adminAddr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		go func() {
			log.Info().Str("address", adminAddr).Msg("Admin API listening")
			if err := http.ListenAndServe(adminAddr, mux); err != nil {
				log.Error().Err(err).Msg("Admin API server failed")
			}
		}()
	}

	// Prometheus metrics
	if cfg.Config.Prometheus.Enabled {
		if handler := telemetry.GetMetricsHandler(); handler != nil {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", handler)

			metricsAddr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
			go func() {
				log.Info().Str("address", metricsAddr).Msg("Metrics listening")
				if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
					log.Error().Err(err).Msg("Metrics server failed")
				}
			}()
		}
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("slot_capacity", cfg.Config.Slots.Capacity).
		Msg("Node is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
