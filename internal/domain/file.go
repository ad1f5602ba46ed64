package domain

import (
	"io"
	"path"
	"strings"
)

// FileStatus represents the lifecycle state of a remote archive file.
// A file only ever moves forward through these states; Completed and
// Failed are terminal.
type FileStatus string

const (
	FileStatusPending     FileStatus = "pending"
	FileStatusDownloading FileStatus = "downloading"
	FileStatusDownloaded  FileStatus = "downloaded"
	FileStatusExtracting  FileStatus = "extracting"
	FileStatusLoading     FileStatus = "loading"
	FileStatusCompleted   FileStatus = "completed"
	FileStatusFailed      FileStatus = "failed"
)

// Terminal reports whether the status is an end state that should be
// persisted in the completion record.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// RemoteFile identifies one downloadable archive in the catalog.
type RemoteFile struct {
	Name   string     `json:"name"`
	URL    string     `json:"url"`
	Size   int64      `json:"size"` // 0 when the catalog does not report it
	Status FileStatus `json:"status"`
}

// TableFile is one tabular file extracted from an archive, exposed as a
// stream so callers never need the whole file in memory.
type TableFile struct {
	Name   string
	Table  string
	Reader io.ReadCloser
}

// TableNameFor derives the target table name from a table file name.
// PATSTAT names files like "tls201_part01.csv"; the table is the
// lowercased segment before the first underscore, with any archive or
// csv extensions stripped first. The mapping is pure so repeated runs
// always address the same table.
func TableNameFor(fileName string) string {
	name := strings.ToLower(path.Base(fileName))
	for {
		ext := path.Ext(name)
		switch ext {
		case ".csv", ".zip", ".txt", ".gz":
			name = strings.TrimSuffix(name, ext)
			continue
		}
		break
	}
	if idx := strings.Index(name, "_"); idx > 0 {
		name = name[:idx]
	}
	return name
}

// HasSkipPrefix reports whether the table name matches any of the
// configured skip prefixes. Matching is the gate that keeps skipped
// tables from ever being read or fetched.
func HasSkipPrefix(table string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(table, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
