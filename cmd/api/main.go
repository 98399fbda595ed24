// Package main provides the video pipeline API server entry point
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Asdafers/contenitzer/pkg/api"
	"github.com/Asdafers/contenitzer/pkg/composer"
	"github.com/Asdafers/contenitzer/pkg/config"
	"github.com/Asdafers/contenitzer/pkg/dispatcher"
	"github.com/Asdafers/contenitzer/pkg/generator"
	"github.com/Asdafers/contenitzer/pkg/logging"
	"github.com/Asdafers/contenitzer/pkg/prober"
	"github.com/Asdafers/contenitzer/pkg/progress"
	"github.com/Asdafers/contenitzer/pkg/storage"
	"github.com/Asdafers/contenitzer/pkg/store"
)

var configPath = flag.String("config", "", "Path to the YAML config file")

func main() {
	flag.Parse()

	// Optional; explicit environment always wins over .env files.
	godotenv.Load(".env", ".env.local")

	logger := logging.New("development", "info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}
	logger = logging.New(cfg.Env, cfg.Log.Level)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job store
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(rootCtx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting to postgres")
		}
		if err := pg.EnsureSchema(rootCtx); err != nil {
			logger.Fatal().Err(err).Msg("ensuring database schema")
		}
		st = pg
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.Store.Driver).Msg("job store ready")

	// Media root
	media, err := storage.NewManager(cfg.Storage.BaseDir, cfg.Storage.ArchiveURI, storage.RetentionPolicy{
		TempMaxAge:              cfg.Storage.Retention.TempMaxAge.Duration,
		AssetMaxAge:             cfg.Storage.Retention.AssetMaxAge.Duration,
		VideoMaxAge:             cfg.Storage.Retention.VideoMaxAge.Duration,
		StockMaxAge:             cfg.Storage.Retention.StockMaxAge.Duration,
		MaxTotalBytes:           cfg.Storage.Retention.MaxTotalBytes,
		PreserveCompletedVideos: cfg.Storage.Retention.PreserveCompletedVideos,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initializing media root")
	}

	// Provider client and media tools
	client, err := generator.NewClient(generator.Options{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		Voice:          cfg.Provider.Voice,
		RequestTimeout: cfg.Provider.RequestTimeout.Duration,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("creating provider client")
	}
	gen := generator.NewGenerator(client, generator.Config{MaxRetries: cfg.Provider.MaxRetries}, logger)

	var probeOpts []prober.Option
	if cfg.Pipeline.FFprobePath != "" {
		probeOpts = append(probeOpts, prober.WithFFprobePath(cfg.Pipeline.FFprobePath))
	}
	comp := composer.New(media, prober.New(probeOpts...), composer.Options{
		FFmpegPath: cfg.Pipeline.FFmpegPath,
	}, logger)

	// Progress hub
	hub := progress.NewPublisher(logger)
	go hub.Run()

	// Dispatcher pool
	jobs := dispatcher.New(st, media, gen, comp, hub, dispatcher.Config{
		MaxActiveJobs:      cfg.Pipeline.MaxActiveJobs,
		QueueSize:          cfg.Pipeline.QueueSize,
		AssetConcurrency:   cfg.Pipeline.AssetConcurrency,
		JobTimeout:         cfg.Pipeline.JobTimeout.Duration,
		MaxScriptChars:     cfg.Pipeline.MaxScriptChars,
		MinDurationSeconds: cfg.Pipeline.MinDurationSeconds,
		MaxDurationSeconds: cfg.Pipeline.MaxDurationSeconds,
		KnownModels:        cfg.Pipeline.KnownModels,
		Voice:              cfg.Provider.Voice,
		StockMusicURI:      cfg.Storage.StockMusicURI,
	}, logger)
	jobs.Start(rootCtx)

	// Retention sweeper
	if interval := cfg.Storage.SweepInterval.Duration; interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					if _, err := media.EnforceQuota(rootCtx); err != nil && rootCtx.Err() == nil {
						logger.Warn().Err(err).Msg("storage sweep failed")
					}
				}
			}
		}()
	}

	// HTTP server
	server := api.NewServer(st, media, jobs, hub, cfg.Server.AllowedOrigins, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	// Drain the pool first: in-flight jobs see the cancelled root
	// context and settle as CANCELLED, publishing their final events.
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("dispatcher did not drain cleanly")
	}

	// Closing the hub ends the remaining SSE streams so the HTTP
	// server can finish its connections.
	hub.Close()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	logger.Info().Msg("server stopped")
}
