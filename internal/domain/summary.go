package domain

import "time"

// LoadResult holds the outcome of loading a single table file.
type LoadResult struct {
	Table       string
	RowsWritten int64
	RowsSkipped int64
	Chunks      int
	Created     bool // true when this load created the destination table
}

// FileFailure records one per-file fatal error surfaced in the run
// summary. Stage names the pipeline phase that failed.
type FileFailure struct {
	File   string `json:"file"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// RunSummary is the always-produced report of one pipeline invocation.
type RunSummary struct {
	RunID              string        `json:"run_id"`
	FilesAttempted     int           `json:"files_attempted"`
	FilesCompleted     int           `json:"files_completed"`
	FilesSkippedPrefix int           `json:"files_skipped_prefix"`
	FilesSkippedDone   int           `json:"files_skipped_done"`
	TablesCreated      []string      `json:"tables_created"`
	RowsLoaded         int64         `json:"rows_loaded"`
	RowsSkipped        int64         `json:"rows_skipped"`
	Failures           []FileFailure `json:"failures"`
	StartTime          time.Time     `json:"start_time"`
	EndTime            time.Time     `json:"end_time"`
}
