// Package pipeline orchestrates the full transfer: catalog listing,
// resumable downloads, extraction and chunked loading, across a bounded
// pool of concurrently in-flight files. One file's failure never stops
// the others; only authentication and catalog failures abort the run.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/nbowen/patload/internal/archive"
	"github.com/nbowen/patload/internal/domain"
	"github.com/nbowen/patload/internal/download"
	"github.com/nbowen/patload/internal/loader"
	"github.com/nbowen/patload/internal/logger"
)

// Source is the slice of the portal session the pipeline needs: one
// catalog enumeration plus authenticated streaming fetches.
type Source interface {
	ListFiles(ctx context.Context, downloadSuffix string) ([]domain.RemoteFile, error)
	Fetch(ctx context.Context, url string, offset int64) (*resty.Response, error)
}

// TableLoader loads one extracted table file into the destination.
type TableLoader interface {
	Load(ctx context.Context, tf domain.TableFile, opts loader.Options) (domain.LoadResult, error)
}

// Config holds orchestration settings.
type Config struct {
	Workers           int
	DownloadDir       string
	DownloadSuffix    string
	ChunkSize         int
	SampleRows        int
	SkipTablePrefixes []string
	RestartFile       string
	Download          download.Options
}

// Pipeline sequences the transfer components.
type Pipeline struct {
	cfg    Config
	src    Source
	loader TableLoader
	record *Record
}

// New builds a pipeline. record may be nil for a run without cross-run
// resumability.
func New(cfg Config, src Source, tl TableLoader, record *Record) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{cfg: cfg, src: src, loader: tl, record: record}
}

// fileResult is one worker's report for one archive file.
type fileResult struct {
	file          string
	failure       *domain.FileFailure
	rowsWritten   int64
	rowsSkipped   int64
	tablesCreated []string
}

// Run executes the whole transfer and always returns a summary, even
// when every file failed. The error is non-nil only for the fatal
// preconditions: no session, no catalog.
func (p *Pipeline) Run(ctx context.Context) (*domain.RunSummary, error) {
	summary := &domain.RunSummary{
		RunID:     uuid.New().String(),
		StartTime: time.Now(),
	}
	ctx = logger.SetComponent(logger.SetRunID(ctx, summary.RunID), "pipeline")
	log := logger.FromContext(ctx)

	files, err := p.src.ListFiles(ctx, p.cfg.DownloadSuffix)
	if err != nil {
		return summary, err
	}
	log.WithField("files", len(files)).Info("Catalog listed")

	jobs := make(chan domain.RemoteFile)
	results := make(chan fileResult, p.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				if ctx.Err() != nil {
					return
				}
				results <- p.processFile(ctx, file)
			}
		}()
	}

	var rowsLoaded, rowsSkipped atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range results {
			rowsLoaded.Add(res.rowsWritten)
			rowsSkipped.Add(res.rowsSkipped)
			summary.TablesCreated = append(summary.TablesCreated, res.tablesCreated...)
			if res.failure != nil {
				summary.Failures = append(summary.Failures, *res.failure)
			} else {
				summary.FilesCompleted++
			}
		}
	}()

feed:
	for _, file := range files {
		table := domain.TableNameFor(file.Name)
		if domain.HasSkipPrefix(table, p.cfg.SkipTablePrefixes) {
			summary.FilesSkippedPrefix++
			log.WithFields(logger.Fields{
				logger.FieldFile:  file.Name,
				logger.FieldTable: table,
			}).Info("Skipping file by table prefix")
			continue
		}
		if p.record != nil && p.record.Completed(file.Name) {
			summary.FilesSkippedDone++
			continue
		}
		summary.FilesAttempted++
		select {
		case jobs <- file:
		case <-ctx.Done():
			// Stop handing out new files; in-flight ones finish or
			// abort on their own context checks.
			summary.FilesAttempted--
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	<-done

	summary.RowsLoaded = rowsLoaded.Load()
	summary.RowsSkipped = rowsSkipped.Load()
	summary.EndTime = time.Now()

	log.WithFields(logger.Fields{
		"attempted":      summary.FilesAttempted,
		"completed":      summary.FilesCompleted,
		"skipped_prefix": summary.FilesSkippedPrefix,
		"skipped_done":   summary.FilesSkippedDone,
		"rows_loaded":          summary.RowsLoaded,
		"failures":             len(summary.Failures),
		logger.FieldDurationMs: summary.EndTime.Sub(summary.StartTime).Milliseconds(),
	}).Info("Run finished")

	return summary, nil
}

// processFile drives one archive through download, extraction and
// loading, and records its terminal state.
func (p *Pipeline) processFile(ctx context.Context, file domain.RemoteFile) fileResult {
	ctx = logger.SetFile(ctx, file.Name)
	res := fileResult{file: file.Name}

	fail := func(stage string, err error) fileResult {
		logger.FromContext(ctx).WithError(err).WithField(logger.FieldStage, stage).Error("File failed")
		res.failure = &domain.FileFailure{File: file.Name, Stage: stage, Reason: err.Error()}
		p.mark(ctx, file.Name, domain.FileStatusFailed)
		return res
	}

	file.Status = domain.FileStatusDownloading
	destPath := filepath.Join(p.cfg.DownloadDir, file.Name)
	arc, err := download.Fetch(logger.SetStage(ctx, "download"), p.src, file, destPath, p.cfg.Download)
	if err != nil {
		return fail("download", err)
	}
	file.Status = domain.FileStatusDownloaded

	// Restart-file gating: when set, table files before the named one
	// are skipped. Lets a run resume mid-archive after diagnosis.
	started := p.cfg.RestartFile == ""

	file.Status = domain.FileStatusExtracting
	walkErr := archive.Walk(logger.SetStage(ctx, "extract"), arc, p.cfg.SkipTablePrefixes, func(tf domain.TableFile) error {
		defer tf.Reader.Close()

		if !started {
			if strings.Contains(tf.Name, p.cfg.RestartFile) {
				started = true
			} else {
				logger.FromContext(ctx).WithField(logger.FieldTable, tf.Table).Info("Skipping table file before restart point")
				return nil
			}
		}

		file.Status = domain.FileStatusLoading
		loadCtx := logger.SetTable(logger.SetStage(ctx, "load"), tf.Table)
		loadRes, err := p.loader.Load(loadCtx, tf, loader.Options{
			ChunkSize:    p.cfg.ChunkSize,
			SampleRows:   p.cfg.SampleRows,
			SkipPrefixes: p.cfg.SkipTablePrefixes,
		})
		res.rowsWritten += loadRes.RowsWritten
		res.rowsSkipped += loadRes.RowsSkipped
		if loadRes.Created {
			res.tablesCreated = append(res.tablesCreated, loadRes.Table)
		}
		return err
	})

	if walkErr != nil {
		var corrupt *archive.CorruptArchiveError
		if errors.As(walkErr, &corrupt) {
			// The download is unusable; drop it so the next run
			// fetches a fresh copy.
			_ = arc.Remove()
			return fail("extract", walkErr)
		}
		return fail("load", walkErr)
	}

	// Extraction completed: the archive is no longer needed on disk.
	if err := arc.Remove(); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to remove extracted archive")
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldStatus: string(domain.FileStatusCompleted),
		logger.FieldRows:   res.rowsWritten,
	}).Info("File completed")
	p.mark(ctx, file.Name, domain.FileStatusCompleted)
	return res
}

func (p *Pipeline) mark(ctx context.Context, name string, status domain.FileStatus) {
	if p.record == nil {
		return
	}
	if err := p.record.Set(name, status); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to persist completion record")
	}
}
