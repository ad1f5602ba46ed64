// Package download fetches remote archives to local disk. Transfers are
// resumable: partial files are kept under a ".part" suffix and continued
// with HTTP range requests, so a multi-day run survives connection
// resets without re-downloading gigabytes.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/nbowen/patload/internal/domain"
	"github.com/nbowen/patload/internal/logger"
)

// IncompleteDownloadError reports a finished transfer whose size does
// not match what the catalog or the server promised.
type IncompleteDownloadError struct {
	File     string
	Expected int64
	Got      int64
}

func (e *IncompleteDownloadError) Error() string {
	return fmt.Sprintf("incomplete download of %s: expected %d bytes, got %d", e.File, e.Expected, e.Got)
}

// LocalArchive is a fully downloaded archive on local disk. Ownership
// passes to the extractor once the download engine returns it.
type LocalArchive struct {
	Name string
	Path string
	Size int64
}

// Remove deletes the archive from disk. Called by the orchestrator after
// extraction so local disk usage stays bounded.
func (a *LocalArchive) Remove() error {
	err := os.Remove(a.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Fetcher is the slice of the portal session the engine needs.
type Fetcher interface {
	Fetch(ctx context.Context, url string, offset int64) (*resty.Response, error)
}

// Options tune the transfer behaviour.
type Options struct {
	ChunkBytes int  // network read buffer size
	MaxRetries uint // transient-failure retries per attempt
}

func (o Options) withDefaults() Options {
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 1 << 20
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	return o
}

// Fetch streams file to destPath. If destPath already holds a file of
// the expected size the download is skipped entirely; that check is what
// makes interrupted runs resumable. A size mismatch after a completed
// transfer triggers exactly one full re-download before surfacing as an
// IncompleteDownloadError.
func Fetch(ctx context.Context, f Fetcher, file domain.RemoteFile, destPath string, opts Options) (*LocalArchive, error) {
	opts = opts.withDefaults()
	log := logger.FromContext(ctx).WithField(logger.FieldFile, file.Name)

	if st, err := os.Stat(destPath); err == nil && st.Size() > 0 {
		// The catalog listing carries no sizes, so a file from an earlier
		// run is verified against the server instead.
		complete := file.Size == st.Size()
		if file.Size == 0 {
			complete = remoteComplete(ctx, f, file.URL, st.Size())
		}
		if complete {
			log.WithField(logger.FieldBytes, st.Size()).Info("Archive already downloaded, skipping")
			return &LocalArchive{Name: file.Name, Path: destPath, Size: st.Size()}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	for attempt := 0; ; attempt++ {
		size, serverTotal, err := transfer(ctx, f, file, destPath, opts)
		if err != nil {
			return nil, err
		}

		// Prefer the catalog size; fall back to what the server declared.
		expected := file.Size
		if expected == 0 {
			expected = serverTotal
		}

		if expected > 0 && size != expected {
			incomplete := &IncompleteDownloadError{File: file.Name, Expected: expected, Got: size}
			if attempt == 0 {
				log.WithError(incomplete).Warn("Size mismatch, re-downloading from scratch")
				_ = os.Remove(destPath)
				continue
			}
			_ = os.Remove(destPath)
			return nil, incomplete
		}

		log.WithField(logger.FieldBytes, size).Info("Download complete")
		return &LocalArchive{Name: file.Name, Path: destPath, Size: size}, nil
	}
}

// remoteComplete asks the server whether size already covers the whole
// payload: a range starting at the end of a complete file is not
// satisfiable, so 416 means complete. Any other answer, or a network
// error, falls back to re-downloading.
func remoteComplete(ctx context.Context, f Fetcher, url string, size int64) bool {
	resp, err := f.Fetch(ctx, url, size)
	if err != nil {
		return false
	}
	if body := resp.RawBody(); body != nil {
		body.Close()
	}
	return resp.StatusCode() == http.StatusRequestedRangeNotSatisfiable
}

// transfer runs one download attempt to completion, resuming the part
// file across transient failures. Returns the final on-disk size and
// the total size the server reported (0 when unknown).
func transfer(ctx context.Context, f Fetcher, file domain.RemoteFile, destPath string, opts Options) (int64, int64, error) {
	partPath := destPath + ".part"
	var serverTotal int64

	operation := func() error {
		total, err := copyRemainder(ctx, f, file.URL, partPath, opts.ChunkBytes)
		if total > 0 {
			serverTotal = total
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(opts.MaxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		logger.FromContext(ctx).WithError(err).
			WithField(logger.FieldFile, file.Name).
			WithField("retry_in", wait.String()).
			Warn("Transient download failure, will resume")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return 0, 0, fmt.Errorf("download %s: %w", file.Name, err)
	}

	st, err := os.Stat(partPath)
	if err != nil {
		return 0, 0, fmt.Errorf("stat part file: %w", err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return 0, 0, fmt.Errorf("finalize download: %w", err)
	}
	return st.Size(), serverTotal, nil
}

// copyRemainder requests the byte range beyond what the part file holds
// and appends until EOF. Any I/O error leaves the partial file in place
// for the next retry.
func copyRemainder(ctx context.Context, f Fetcher, url, partPath string, chunkBytes int) (int64, error) {
	var offset int64
	if st, err := os.Stat(partPath); err == nil {
		offset = st.Size()
	}

	resp, err := f.Fetch(ctx, url, offset)
	if err != nil {
		return 0, err
	}
	body := resp.RawBody()
	defer body.Close()

	total := totalSize(resp, offset)

	code := resp.StatusCode()
	switch {
	case code == http.StatusPartialContent:
		// resuming at offset
	case code == http.StatusOK:
		// Server ignored the range request; start over.
		offset = 0
	case code == http.StatusRequestedRangeNotSatisfiable:
		// Part file already holds the full payload.
		return total, nil
	case code >= 400:
		return total, backoff.Permanent(fmt.Errorf("GET %s: status %d", url, code))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return total, backoff.Permanent(err)
	}
	defer out.Close()

	buf := make([]byte, chunkBytes)
	if _, err := io.CopyBuffer(out, body, buf); err != nil {
		if ctx.Err() != nil {
			return total, backoff.Permanent(ctx.Err())
		}
		return total, err
	}
	return total, out.Sync()
}

// totalSize extracts the full payload size from a response, looking at
// Content-Range for partial responses. 0 means unknown.
func totalSize(resp *resty.Response, offset int64) int64 {
	if resp.StatusCode() == http.StatusPartialContent {
		cr := resp.Header().Get("Content-Range")
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
		if resp.RawResponse != nil && resp.RawResponse.ContentLength > 0 {
			return offset + resp.RawResponse.ContentLength
		}
		return 0
	}
	if resp.RawResponse != nil && resp.RawResponse.ContentLength > 0 {
		return resp.RawResponse.ContentLength
	}
	return 0
}
