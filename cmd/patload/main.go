package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nbowen/patload/internal/config"
	"github.com/nbowen/patload/internal/download"
	"github.com/nbowen/patload/internal/epo"
	"github.com/nbowen/patload/internal/loader"
	"github.com/nbowen/patload/internal/logger"
	"github.com/nbowen/patload/internal/pipeline"

	"gorm.io/gorm"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	suffix := flag.String("suffix", "", "Only download catalog files ending with this suffix")
	skip := flag.String("skip", "", "Comma-separated table-name prefixes to skip entirely")
	chunkSize := flag.Int("chunk-size", 0, "Rows per database write chunk (overrides config)")
	workers := flag.Int("workers", 0, "Concurrently in-flight files (overrides config)")
	restartFile := flag.String("restart-file", "", "Skip table files until this name is reached")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *suffix != "" {
		cfg.Download.Suffix = *suffix
	}
	if *skip != "" {
		cfg.Load.SkipTablePrefixes = strings.Split(*skip, ",")
	}
	if *chunkSize > 0 {
		cfg.Load.ChunkSize = *chunkSize
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if *restartFile != "" {
		cfg.Pipeline.RestartFile = *restartFile
	}
	if err := cfg.Validate(); err != nil {
		appLogger.WithError(err).Fatal("Invalid configuration")
	}

	appLogger.WithFields(logger.Fields{
		"suffix":     cfg.Download.Suffix,
		"skip":       cfg.Load.SkipTablePrefixes,
		"chunk_size": cfg.Load.ChunkSize,
		"workers":    cfg.Pipeline.Workers,
	}).Info("Starting PATSTAT transfer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown: stop picking up new files, let the
	// in-flight chunk writes finish.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	// Log into the portal
	session, err := epo.Login(ctx, epo.Config{
		BaseURL:  cfg.Patstat.BaseURL,
		Email:    cfg.Patstat.Email,
		Password: cfg.Patstat.Password,
		Timeout:  cfg.Download.Timeout,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Portal authentication failed")
	}

	// Connect to the destination database
	db, err := loader.Open(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to database")
	}
	reopen := func() (*gorm.DB, error) { return loader.Open(&cfg.Database) }
	tableLoader := loader.New(db, reopen)

	// Completion record for restart safety
	record, err := pipeline.OpenRecord(cfg.Pipeline.StatePath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open completion record")
	}

	p := pipeline.New(pipeline.Config{
		Workers:           cfg.Pipeline.Workers,
		DownloadDir:       cfg.Download.Dir,
		DownloadSuffix:    cfg.Download.Suffix,
		ChunkSize:         cfg.Load.ChunkSize,
		SampleRows:        cfg.Load.SampleRows,
		SkipTablePrefixes: cfg.Load.SkipTablePrefixes,
		RestartFile:       cfg.Pipeline.RestartFile,
		Download: download.Options{
			ChunkBytes: cfg.Download.ChunkBytes,
			MaxRetries: cfg.Download.MaxRetries,
		},
	}, session, tableLoader, record)

	summary, err := p.Run(appLogger.WithContext(ctx))
	if err != nil {
		appLogger.WithError(err).Fatal("Run aborted")
	}

	log := appLogger.WithFields(logger.Fields{
		"run_id":         summary.RunID,
		"attempted":      summary.FilesAttempted,
		"completed":      summary.FilesCompleted,
		"skipped_prefix": summary.FilesSkippedPrefix,
		"skipped_done":   summary.FilesSkippedDone,
		"tables_created": len(summary.TablesCreated),
		"rows_loaded":    summary.RowsLoaded,
		"rows_skipped":   summary.RowsSkipped,
	})
	if len(summary.Failures) > 0 {
		for _, f := range summary.Failures {
			appLogger.WithFields(logger.Fields{
				"file":   f.File,
				"stage":  f.Stage,
				"reason": f.Reason,
			}).Error("File failed")
		}
		log.WithField("failures", len(summary.Failures)).Warn("Transfer finished with failures")
		os.Exit(1)
	}
	log.Info("Transfer completed")
}
