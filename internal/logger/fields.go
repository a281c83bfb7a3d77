package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a run.
const (
	// FieldRequestID is the HTTP request ID (UUID) of the progress API
	FieldRequestID = "request_id"

	// FieldRunID identifies one replication run
	FieldRunID = "run_id"

	// FieldMode is the run mode namespace (dryrun or prod)
	FieldMode = "mode"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	FieldRepository = "repository"
	FieldPackage    = "package"
	FieldVersion    = "version"

	// FieldUnit is the "repo/package@version" key of a migration unit
	FieldUnit = "unit"
)

// Metric fields, attached per entry for aggregation.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	FieldCount  = "count"
	FieldSize   = "size"
	FieldStatus = "status"

	// FieldAttempt is the retry attempt number
	FieldAttempt = "attempt"
)
