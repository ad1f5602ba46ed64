// Package archive streams table files out of downloaded PATSTAT
// archives. PATSTAT ships nested zips: the outer archive holds one
// zipped CSV per table part. Nothing is ever decompressed wholesale
// into memory; inner zips are spooled to a temp file because the zip
// format needs random access.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nbowen/patload/internal/domain"
	"github.com/nbowen/patload/internal/download"
	"github.com/nbowen/patload/internal/logger"
)

// CorruptArchiveError indicates an archive that cannot be opened. It
// invalidates the owning file's completed-download status.
type CorruptArchiveError struct {
	Name string
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", e.Name, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// Walk invokes fn once per table file found in arc, in archive order.
// Members whose derived table name matches a skip prefix are never
// opened, so skipped tables cost no decompression. fn owns the Reader
// and must close it; an error from fn aborts the walk.
func Walk(ctx context.Context, arc *download.LocalArchive, skipPrefixes []string, fn func(domain.TableFile) error) error {
	zr, err := zip.OpenReader(arc.Path)
	if err != nil {
		return &CorruptArchiveError{Name: arc.Name, Err: err}
	}
	defer zr.Close()

	log := logger.FromContext(ctx).WithField(logger.FieldFile, arc.Name)

	for _, member := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		table := domain.TableNameFor(member.Name)
		if domain.HasSkipPrefix(table, skipPrefixes) {
			log.WithField(logger.FieldTable, table).Debug("Skipping archive member by table prefix")
			continue
		}

		lower := strings.ToLower(member.Name)
		switch {
		case strings.HasSuffix(lower, ".zip"):
			if err := walkInner(ctx, arc.Name, member, skipPrefixes, fn); err != nil {
				return err
			}
		case tabular(lower):
			rc, err := member.Open()
			if err != nil {
				return &CorruptArchiveError{Name: arc.Name, Err: err}
			}
			if err := fn(domain.TableFile{Name: member.Name, Table: table, Reader: rc}); err != nil {
				return err
			}
		default:
			log.WithField("member", member.Name).Warn("Ignoring non-tabular archive member")
		}
	}
	return nil
}

// walkInner spools a nested zip member to a temp file and walks its
// tabular members. The spool keeps memory bounded while giving the zip
// reader the random access it requires.
func walkInner(ctx context.Context, archiveName string, member *zip.File, skipPrefixes []string, fn func(domain.TableFile) error) error {
	rc, err := member.Open()
	if err != nil {
		return &CorruptArchiveError{Name: archiveName, Err: err}
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "patload-inner-*.zip")
	if err != nil {
		return fmt.Errorf("spool inner archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, rc)
	if err != nil {
		return &CorruptArchiveError{Name: archiveName, Err: err}
	}

	inner, err := zip.NewReader(tmp, size)
	if err != nil {
		return &CorruptArchiveError{Name: member.Name, Err: err}
	}

	for _, f := range inner.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !tabular(strings.ToLower(f.Name)) {
			continue
		}
		table := domain.TableNameFor(f.Name)
		if domain.HasSkipPrefix(table, skipPrefixes) {
			continue
		}
		frc, err := f.Open()
		if err != nil {
			return &CorruptArchiveError{Name: member.Name, Err: err}
		}
		if err := fn(domain.TableFile{Name: f.Name, Table: table, Reader: frc}); err != nil {
			return err
		}
	}
	return nil
}

func tabular(name string) bool {
	return strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".txt")
}
