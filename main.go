package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"silverflow/config"
	"silverflow/internal/channel"
	"silverflow/logger"
	"silverflow/processor"
	"silverflow/reader"
	"silverflow/store"
	"silverflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	forceRun := flag.Bool("force", false, "Bypass cache TTLs on the first snapshot")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Silverflow.Name,
		"version": cfg.Silverflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting silverflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Archive.S3.Enabled {
		logger.InitCloudWatch(cfg.Archive.S3.Region, "", "")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.RetentionDays)
	if err != nil {
		log.WithError(err).Error("failed to open metric store")
		os.Exit(1)
	}
	defer st.Close()

	var channels *channel.Channels
	var archiveWriter *writer.ArchiveWriter
	if cfg.Archive.S3.Enabled {
		channels = channel.NewChannels(cfg.Channels.RawBuffer)
		defer channels.Close()

		archiveWriter, err = writer.NewArchiveWriter(cfg, channels.Raw)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archive disabled; skipping writer")
	}

	aggregator := processor.New(cfg, st, channels, reader.NewPdfTextProvider(), reader.NewXlsTableReader())

	runSnapshot := func(force bool) {
		snap := aggregator.RunSnapshot(ctx, force)
		log.WithComponent("main").WithFields(logger.Fields{
			"snapshot_id": snap.ID,
			"indicators":  len(snap.Indicators),
			"derived":     len(snap.Derived),
			"duration":    snap.FinishedAt.Sub(snap.StartedAt).String(),
		}).Info("snapshot complete")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSnapshot(*forceRun)

		ticker := time.NewTicker(cfg.Snapshot.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runSnapshot(false)
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	// The loop must be drained before the deferred channel close; a
	// snapshot still persisting would otherwise send on a closed channel.
	cancel()
	wg.Wait()
	if archiveWriter != nil {
		archiveWriter.Stop()
	}

	log.Info("silverflow stopped")
}
