package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"

	"github.com/nbowen/patload/internal/domain"
	"github.com/nbowen/patload/internal/loader"
)

// patstatZip builds a nested archive the way PATSTAT ships them: an
// outer zip holding one zipped CSV.
func patstatZip(t *testing.T, csvName, content string) []byte {
	t.Helper()

	var inner bytes.Buffer
	iw := zip.NewWriter(&inner)
	f, err := iw.Create(csvName)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte(content))
	iw.Close()

	var outer bytes.Buffer
	ow := zip.NewWriter(&outer)
	of, err := ow.Create(csvName + ".zip")
	if err != nil {
		t.Fatal(err)
	}
	of.Write(inner.Bytes())
	ow.Close()
	return outer.Bytes()
}

// fakeSource serves a fixed catalog; fetches go to a real test server
// so the download and extraction paths are exercised end to end.
type fakeSource struct {
	client *resty.Client
	files  []domain.RemoteFile
}

func (s *fakeSource) ListFiles(_ context.Context, suffix string) ([]domain.RemoteFile, error) {
	var out []domain.RemoteFile
	for _, f := range s.files {
		if suffix == "" || strings.HasSuffix(f.Name, suffix) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeSource) Fetch(ctx context.Context, url string, offset int64) (*resty.Response, error) {
	req := s.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return req.Get(url)
}

// countingLoader records which tables were loaded and how many data
// rows each file carried.
type countingLoader struct {
	mu     sync.Mutex
	tables []string
	rows   int64
}

func (l *countingLoader) Load(_ context.Context, tf domain.TableFile, opts loader.Options) (domain.LoadResult, error) {
	res := domain.LoadResult{Table: tf.Table}
	if domain.HasSkipPrefix(tf.Table, opts.SkipPrefixes) {
		return res, nil
	}
	data, err := io.ReadAll(tf.Reader)
	if err != nil {
		return res, err
	}
	lines := strings.Count(strings.TrimSpace(string(data)), "\n") // data rows = lines minus header
	res.RowsWritten = int64(lines)
	res.Created = true

	l.mu.Lock()
	l.tables = append(l.tables, tf.Table)
	l.rows += res.RowsWritten
	l.mu.Unlock()
	return res, nil
}

func newFixture(t *testing.T) (*fakeSource, *httptest.Server, map[string]*int) {
	t.Helper()
	hits := map[string]*int{
		"tls201_part01.zip": new(int),
		"tls901_part01.zip": new(int),
	}
	archives := map[string][]byte{
		"tls201_part01.zip": patstatZip(t, "tls201_part01.csv", "appln_id,auth\n1,EP\n2,US\n"),
		"tls901_part01.zip": patstatZip(t, "tls901_part01.csv", "id,code\n7,X\n"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		body, ok := archives[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		*hits[name]++
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	src := &fakeSource{
		client: resty.New(),
		files: []domain.RemoteFile{
			{Name: "tls201_part01.zip", URL: srv.URL + "/tls201_part01.zip"},
			{Name: "tls901_part01.zip", URL: srv.URL + "/tls901_part01.zip"},
		},
	}
	return src, srv, hits
}

// Skip prefixes must prevent the file from ever being fetched, not just
// from being loaded.
func TestRunSkipPrefixNeverDownloads(t *testing.T) {
	src, _, hits := newFixture(t)
	tl := &countingLoader{}

	p := New(Config{
		Workers:           1,
		DownloadDir:       t.TempDir(),
		SkipTablePrefixes: []string{"tls201"},
	}, src, tl, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if *hits["tls201_part01.zip"] != 0 {
		t.Error("skip-prefixed archive was fetched")
	}
	if summary.FilesSkippedPrefix != 1 {
		t.Errorf("FilesSkippedPrefix = %d, want 1", summary.FilesSkippedPrefix)
	}
	if summary.FilesCompleted != 1 {
		t.Errorf("FilesCompleted = %d, want 1", summary.FilesCompleted)
	}
	if len(tl.tables) != 1 || tl.tables[0] != "tls901" {
		t.Errorf("loaded tables = %v, want [tls901]", tl.tables)
	}
}

func TestRunSummaryAccounting(t *testing.T) {
	src, _, _ := newFixture(t)
	tl := &countingLoader{}

	p := New(Config{Workers: 2, DownloadDir: t.TempDir()}, src, tl, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.FilesAttempted != 2 || summary.FilesCompleted != 2 {
		t.Errorf("attempted/completed = %d/%d, want 2/2", summary.FilesAttempted, summary.FilesCompleted)
	}
	if summary.RowsLoaded != 3 {
		t.Errorf("RowsLoaded = %d, want 3", summary.RowsLoaded)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("unexpected failures: %+v", summary.Failures)
	}
	if len(summary.TablesCreated) != 2 {
		t.Errorf("TablesCreated = %v, want 2 tables", summary.TablesCreated)
	}
}

// A second invocation against the same completion record must load
// nothing: the idempotent-completion property.
func TestRunIdempotentRerun(t *testing.T) {
	src, _, hits := newFixture(t)
	tl := &countingLoader{}

	statePath := filepath.Join(t.TempDir(), "state.json")
	record, err := OpenRecord(statePath)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{Workers: 1, DownloadDir: t.TempDir()}
	if _, err := New(cfg, src, tl, record).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	firstRows := tl.rows

	// Fresh record instance from disk, as a new process would see it.
	record2, err := OpenRecord(statePath)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := New(cfg, src, tl, record2).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if tl.rows != firstRows {
		t.Errorf("re-run wrote %d additional rows, want 0", tl.rows-firstRows)
	}
	if summary.FilesSkippedDone != 2 {
		t.Errorf("FilesSkippedDone = %d, want 2", summary.FilesSkippedDone)
	}
	if *hits["tls201_part01.zip"] != 1 || *hits["tls901_part01.zip"] != 1 {
		t.Error("re-run should not have re-fetched completed archives")
	}
}

// A corrupt archive fails its own file and leaves the rest of the run
// untouched.
func TestRunContinuesPastCorruptArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "tls201") {
			w.Write([]byte("not a zip at all"))
			return
		}
		w.Write(patstatZip(t, "tls901_part01.csv", "id\n1\n"))
	}))
	defer srv.Close()

	src := &fakeSource{
		client: resty.New(),
		files: []domain.RemoteFile{
			{Name: "tls201_part01.zip", URL: srv.URL + "/tls201_part01.zip"},
			{Name: "tls901_part01.zip", URL: srv.URL + "/tls901_part01.zip"},
		},
	}
	tl := &countingLoader{}

	summary, err := New(Config{Workers: 1, DownloadDir: t.TempDir()}, src, tl, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.FilesCompleted != 1 {
		t.Errorf("FilesCompleted = %d, want 1", summary.FilesCompleted)
	}
	if len(summary.Failures) != 1 {
		t.Fatalf("Failures = %+v, want exactly one", summary.Failures)
	}
	if summary.Failures[0].File != "tls201_part01.zip" || summary.Failures[0].Stage != "extract" {
		t.Errorf("unexpected failure: %+v", summary.Failures[0])
	}
}
