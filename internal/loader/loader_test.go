package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nbowen/patload/internal/domain"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return db, mock
}

func tableFile(table, content string) domain.TableFile {
	return domain.TableFile{
		Name:   table + "_part01.csv",
		Table:  table,
		Reader: io.NopCloser(strings.NewReader(content)),
	}
}

func expectChunk(mock sqlmock.Sqlmock, rows int64) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tls`).WillReturnResult(sqlmock.NewResult(0, rows))
	mock.ExpectCommit()
}

// Five rows with chunk size two must produce exactly three writes of
// sizes 2, 2 and 1.
func TestLoadChunking(t *testing.T) {
	db, mock := newMockDB(t)
	l := New(db, nil)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls201"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectChunk(mock, 2)
	expectChunk(mock, 2)
	expectChunk(mock, 1)

	csv := "appln_id,appln_auth\n1,EP\n2,US\n3,WO\n4,DE\n5,FR\n"
	result, err := l.Load(context.Background(), tableFile("tls201", csv), Options{ChunkSize: 2})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if result.RowsWritten != 5 {
		t.Errorf("RowsWritten = %d, want 5", result.RowsWritten)
	}
	if result.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", result.Chunks)
	}
	if !result.Created {
		t.Error("expected table to be reported as created")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A dropped connection on a chunk write is retried once after
// reconnecting; the chunk must be counted written exactly once.
func TestLoadChunkRetryNoDuplication(t *testing.T) {
	db, mock := newMockDB(t)

	reopened := false
	l := New(db, func() (*gorm.DB, error) {
		reopened = true
		return db, nil
	})

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls901"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tls901"`).WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()
	expectChunk(mock, 2)

	csv := "id,code\n7,X\n8,Y\n"
	result, err := l.Load(context.Background(), tableFile("tls901", csv), Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !reopened {
		t.Error("expected the loader to reconnect before retrying")
	}
	if result.RowsWritten != 2 || result.Chunks != 1 {
		t.Errorf("chunk counted %d times with %d rows, want once with 2", result.Chunks, result.RowsWritten)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A reconnect triggered by one worker must not race other workers
// writing to different tables through the same Loader. Run under -race:
// the handle swap and the concurrent snapshots are the contended path.
func TestLoadConcurrentReconnect(t *testing.T) {
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)

	var reopens atomic.Int64
	l := New(db, func() (*gorm.DB, error) {
		reopens.Add(1)
		return db, nil
	})

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls201"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls801"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// tls201 streams four single-row chunks while tls801 fails its
	// chunk, reconnects and retries.
	for i := 0; i < 4; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "tls201"`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tls801"`).WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tls801"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	load := func(table, content string, chunkSize int) {
		defer wg.Done()
		_, err := l.Load(context.Background(), tableFile(table, content), Options{ChunkSize: chunkSize})
		errs <- err
	}
	wg.Add(2)
	go load("tls201", "id,v\n1,a\n2,b\n3,c\n4,d\n", 1)
	go load("tls801", "id,v\n9,z\n", 10)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Load failed: %v", err)
		}
	}
	if reopens.Load() != 1 {
		t.Errorf("reopens = %d, want 1", reopens.Load())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A second chunk failure is fatal for the file and reports the row
// offset reached.
func TestLoadChunkSecondFailureFatal(t *testing.T) {
	db, mock := newMockDB(t)
	l := New(db, nil)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls226"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectChunk(mock, 2)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tls226"`).WillReturnError(fmt.Errorf("constraint violation"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tls226"`).WillReturnError(fmt.Errorf("constraint violation"))
	mock.ExpectRollback()

	csv := "id,v\n1,a\n2,b\n3,c\n"
	result, err := l.Load(context.Background(), tableFile("tls226", csv), Options{ChunkSize: 2})
	if err == nil {
		t.Fatal("expected a chunk write error")
	}

	var chunkErr *ChunkWriteError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkWriteError, got %v", err)
	}
	if chunkErr.Offset != 2 {
		t.Errorf("Offset = %d, want 2 (rows durably written before the failure)", chunkErr.Offset)
	}
	if result.RowsWritten != 2 {
		t.Errorf("RowsWritten = %d, want 2", result.RowsWritten)
	}
}

// A row with the wrong field count is skipped and counted; the rest of
// the chunk still loads.
func TestLoadMalformedRowsSkipped(t *testing.T) {
	db, mock := newMockDB(t)
	l := New(db, nil)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls801"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectChunk(mock, 2)

	csv := "id,v\n1,a\n2,b,EXTRA_FIELD\n3,c\n,\n"
	result, err := l.Load(context.Background(), tableFile("tls801", csv), Options{ChunkSize: 10})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if result.RowsWritten != 2 {
		t.Errorf("RowsWritten = %d, want 2", result.RowsWritten)
	}
	// One over-long row plus one entirely blank row.
	if result.RowsSkipped != 2 {
		t.Errorf("RowsSkipped = %d, want 2", result.RowsSkipped)
	}
}

// failingReader trips the test if the loader reads a skipped file.
type failingReader struct{ t *testing.T }

func (r *failingReader) Read([]byte) (int, error) {
	r.t.Fatal("skip-prefixed table file was read")
	return 0, io.EOF
}
func (r *failingReader) Close() error { return nil }

func TestLoadSkipPrefixReadsNothing(t *testing.T) {
	l := New(nil, nil)

	tf := domain.TableFile{Name: "tls201_part01.csv", Table: "tls201", Reader: &failingReader{t: t}}
	result, err := l.Load(context.Background(), tf, Options{SkipPrefixes: []string{"tls201"}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if result.RowsWritten != 0 || result.Chunks != 0 {
		t.Errorf("skipped file must write nothing, got %+v", result)
	}
}

// Two files of the same table with identical schemas append; a third
// with a conflicting schema fails with SchemaMismatchError.
func TestLoadSchemaRegistry(t *testing.T) {
	db, mock := newMockDB(t)
	l := New(db, nil)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tls201"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectChunk(mock, 1)
	expectChunk(mock, 1) // second file appends without a second CREATE

	first, err := l.Load(context.Background(), tableFile("tls201", "id,v\n1,a\n"), Options{})
	if err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if !first.Created {
		t.Error("first file should create the table")
	}

	second, err := l.Load(context.Background(), tableFile("tls201", "id,v\n2,b\n"), Options{})
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if second.Created {
		t.Error("second file must not re-create the table")
	}

	_, err = l.Load(context.Background(), tableFile("tls201", "different,columns,here\nx,y,z\n"), Options{})
	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SchemaMismatchError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// Rows the csv parser rejects during the inference sample get the same
// skip-and-count treatment as in the main read loop.
func TestReadSampleSkipsMalformedRows(t *testing.T) {
	r := csv.NewReader(strings.NewReader("1,a\n2,\"b\"x\n3,c\n"))

	sample, skipped, err := readSample(r, 10)
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if len(sample) != 2 {
		t.Errorf("sample rows = %d, want 2", len(sample))
	}
}

func TestCreateTableDDL(t *testing.T) {
	s := domain.TableSchema{
		Table: "tls201",
		Columns: []domain.Column{
			{Name: "appln_id", Type: domain.ColumnInteger},
			{Name: "frac", Type: domain.ColumnFloat},
			{Name: "filing_date", Type: domain.ColumnDate},
			{Name: "auth", Type: domain.ColumnText},
		},
	}
	want := `CREATE TABLE IF NOT EXISTS "tls201" ("appln_id" BIGINT, "frac" DOUBLE PRECISION, "filing_date" TIMESTAMP, "auth" TEXT)`
	if got := createTableDDL(s); got != want {
		t.Errorf("DDL mismatch:\n got %s\nwant %s", got, want)
	}
}
