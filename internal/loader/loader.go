// Package loader writes extracted table files into the destination
// database in bounded chunks. Tables are created on first encounter
// from the inferred schema; once created, the schema is locked for the
// rest of the run.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"gorm.io/gorm"

	"github.com/nbowen/patload/internal/domain"
	"github.com/nbowen/patload/internal/logger"
	"github.com/nbowen/patload/internal/schema"
)

// SchemaMismatchError reports a table file whose inferred schema
// conflicts with the schema the table was created with earlier in the
// run. The file fails; the table is never silently altered.
type SchemaMismatchError struct {
	Table string
	Want  domain.TableSchema
	Got   domain.TableSchema
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for table %s: created with %v, file infers %v",
		e.Table, e.Want.ColumnNames(), e.Got.ColumnNames())
}

// ChunkWriteError reports a chunk that failed twice. Offset is the
// number of rows durably written before the failure, for re-run
// diagnosis.
type ChunkWriteError struct {
	Table  string
	Offset int64
	Err    error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("chunk write to %s failed after %d rows: %v", e.Table, e.Offset, e.Err)
}

func (e *ChunkWriteError) Unwrap() error { return e.Err }

// Options tune one load.
type Options struct {
	ChunkSize    int
	SampleRows   int
	SkipPrefixes []string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize < 1 {
		o.ChunkSize = 5000
	}
	if o.SampleRows < 1 {
		o.SampleRows = 100
	}
	return o
}

// Loader owns the database handle, the per-run schema registry and the
// per-table locks that serialize concurrent loads into one table.
type Loader struct {
	reopen func() (*gorm.DB, error)

	mu      sync.Mutex
	db      *gorm.DB // guarded by mu: a reconnect may swap it mid-run
	schemas map[string]domain.TableSchema
	locks   map[string]*sync.Mutex
}

// New builds a Loader. reopen re-establishes the database connection
// after a dropped-connection chunk failure; nil keeps the original
// handle.
func New(db *gorm.DB, reopen func() (*gorm.DB, error)) *Loader {
	return &Loader{
		db:      db,
		reopen:  reopen,
		schemas: make(map[string]domain.TableSchema),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load reads tf as delimited rows and appends them to its destination
// table in chunks of at most opts.ChunkSize rows, each chunk one
// transaction. Skip-prefixed tables return immediately without reading
// a byte. Malformed rows are counted and skipped, never fatal.
func (l *Loader) Load(ctx context.Context, tf domain.TableFile, opts Options) (domain.LoadResult, error) {
	opts = opts.withDefaults()
	result := domain.LoadResult{Table: tf.Table}

	if domain.HasSkipPrefix(tf.Table, opts.SkipPrefixes) {
		return result, nil
	}
	start := time.Now()

	// Loads into the same table are serialized to keep schema creation
	// and chunk ordering race-free across workers.
	lock := l.tableLock(tf.Table)
	lock.Lock()
	defer lock.Unlock()

	log := logger.FromContext(ctx).WithField(logger.FieldTable, tf.Table)

	reader := csv.NewReader(tf.Reader)
	reader.FieldsPerRecord = -1 // field-count checks are ours, with skip-and-count semantics
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("read header of %s: %w", tf.Name, err)
	}

	sample, sampleSkipped, sampleErr := readSample(reader, opts.SampleRows)
	result.RowsSkipped += sampleSkipped
	inferred := schema.Infer(tf.Table, header, sample)

	tableSchema, created, err := l.ensureTable(ctx, inferred)
	if err != nil {
		return result, err
	}
	result.Created = created
	if created {
		log.WithField("columns", len(tableSchema.Columns)).Info("Created destination table")
	}

	chunk := make([]map[string]interface{}, 0, opts.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := l.writeChunk(ctx, tf.Table, chunk, result.RowsWritten); err != nil {
			return err
		}
		result.RowsWritten += int64(len(chunk))
		result.Chunks++
		chunk = chunk[:0]
		return nil
	}

	appendRow := func(record []string) error {
		row, ok := convertRow(tableSchema, record)
		if !ok {
			result.RowsSkipped++
			return nil
		}
		chunk = append(chunk, row)
		if len(chunk) >= opts.ChunkSize {
			return flush()
		}
		return nil
	}

	for _, record := range sample {
		if err := appendRow(record); err != nil {
			return result, err
		}
	}
	if sampleErr != nil && sampleErr != io.EOF {
		return result, fmt.Errorf("read %s: %w", tf.Name, sampleErr)
	}

	for sampleErr != io.EOF {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				log.WithError(err).Debug("Skipping malformed row")
				result.RowsSkipped++
				continue
			}
			return result, fmt.Errorf("read %s: %w", tf.Name, err)
		}
		if len(record) != len(tableSchema.Columns) {
			result.RowsSkipped++
			continue
		}
		if err := appendRow(record); err != nil {
			return result, err
		}
	}

	if err := flush(); err != nil {
		return result, err
	}

	log.WithFields(logger.Fields{
		logger.FieldRows:       result.RowsWritten,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"rows_skipped":         result.RowsSkipped,
		"chunks":               result.Chunks,
	}).Info("Table file loaded")
	return result, nil
}

// ensureTable registers the schema and creates the table if this is its
// first encounter. A registered schema that no longer matches fails the
// file with a SchemaMismatchError.
func (l *Loader) ensureTable(ctx context.Context, inferred domain.TableSchema) (domain.TableSchema, bool, error) {
	l.mu.Lock()
	existing, ok := l.schemas[inferred.Table]
	l.mu.Unlock()

	if ok {
		if !existing.Equal(inferred) {
			return existing, false, &SchemaMismatchError{Table: inferred.Table, Want: existing, Got: inferred}
		}
		return existing, false, nil
	}

	if err := l.handle().WithContext(ctx).Exec(createTableDDL(inferred)).Error; err != nil {
		return inferred, false, fmt.Errorf("create table %s: %w", inferred.Table, err)
	}

	l.mu.Lock()
	l.schemas[inferred.Table] = inferred
	l.mu.Unlock()
	return inferred, true, nil
}

// writeChunk writes one chunk as a single transaction. On failure the
// connection is re-established and the chunk retried exactly once, so a
// dropped connection costs one replayed transaction, never a duplicated
// or lost chunk.
func (l *Loader) writeChunk(ctx context.Context, table string, rows []map[string]interface{}, offset int64) error {
	write := func(db *gorm.DB) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Table(table).Create(rows).Error
		})
	}

	db := l.handle()
	err := write(db)
	if err == nil {
		return nil
	}

	logger.FromContext(ctx).WithError(err).
		WithField(logger.FieldTable, table).
		Warn("Chunk write failed, reconnecting for one retry")

	if l.reopen != nil {
		fresh, reopenErr := l.reopen()
		if reopenErr != nil {
			return &ChunkWriteError{Table: table, Offset: offset, Err: reopenErr}
		}
		l.mu.Lock()
		l.db = fresh
		l.mu.Unlock()
		db = fresh
	}

	if err = write(db); err != nil {
		return &ChunkWriteError{Table: table, Offset: offset, Err: err}
	}
	return nil
}

// handle snapshots the current database handle. Workers loading other
// tables keep using their snapshot while a reconnect swaps the shared
// one.
func (l *Loader) handle() *gorm.DB {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db
}

func (l *Loader) tableLock(table string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[table]; !ok {
		l.locks[table] = &sync.Mutex{}
	}
	return l.locks[table]
}

// readSample buffers up to n data rows for schema inference. The rows
// are replayed into the first chunks so nothing is read twice. Rows the
// csv parser rejects are skipped and counted, same as in the main loop.
func readSample(reader *csv.Reader, n int) ([][]string, int64, error) {
	var sample [][]string
	var skipped int64
	for len(sample) < n {
		record, err := reader.Read()
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return sample, skipped, err
		}
		sample = append(sample, record)
	}
	return sample, skipped, nil
}

// convertRow maps a CSV record onto typed column values. Returns false
// for rows that should be skipped: wrong field count, or entirely empty
// (PATSTAT extracts occasionally carry blank filler rows).
func convertRow(s domain.TableSchema, record []string) (map[string]interface{}, bool) {
	if len(record) != len(s.Columns) {
		return nil, false
	}

	empty := true
	row := make(map[string]interface{}, len(record))
	for i, col := range s.Columns {
		cell := strings.TrimSpace(record[i])
		if cell == "" {
			row[col.Name] = nil
			continue
		}
		empty = false
		row[col.Name] = convertCell(col.Type, cell)
	}
	if empty {
		return nil, false
	}
	return row, true
}

// convertCell coerces a cell to its column type, degrading to the raw
// string when the value does not parse; the database decides whether to
// accept or reject it at chunk-write time.
func convertCell(t domain.ColumnType, cell string) interface{} {
	switch t {
	case domain.ColumnInteger:
		if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return v
		}
	case domain.ColumnFloat:
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return v
		}
	case domain.ColumnDate:
		if v, err := dateparse.ParseAny(cell); err == nil {
			return v
		}
	}
	return cell
}

// createTableDDL renders the portable CREATE TABLE statement for an
// inferred schema. The type names work on both supported drivers.
func createTableDDL(s domain.TableSchema) string {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS "`)
	b.WriteString(s.Table)
	b.WriteString(`" (`)
	for i, col := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(`"`)
		b.WriteString(col.Name)
		b.WriteString(`" `)
		b.WriteString(sqlType(col.Type))
	}
	b.WriteString(")")
	return b.String()
}

func sqlType(t domain.ColumnType) string {
	switch t {
	case domain.ColumnInteger:
		return "BIGINT"
	case domain.ColumnFloat:
		return "DOUBLE PRECISION"
	case domain.ColumnDate:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
