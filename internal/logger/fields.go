package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRunID is the pipeline run ID (UUID)
	FieldRunID = "run_id"

	// FieldFile is the remote archive file currently being processed
	FieldFile = "file"

	// FieldTable is the destination table name
	FieldTable = "table"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldStage is the per-file pipeline stage (download, extract, load)
	FieldStage = "stage"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldRows is a row count
	FieldRows = "rows"

	// FieldBytes is the data size in bytes
	FieldBytes = "bytes"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
