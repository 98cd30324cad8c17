package observability

// Logger defines the interface for structured logging in the application.
// Fields are passed as alternating key/value pairs.
type Logger interface {
	// Debug logs fine-grained diagnostic messages.
	Debug(msg string, fields ...interface{})

	// Info logs informational messages for normal operations.
	Info(msg string, fields ...interface{})

	// Warn logs conditions that are unexpected but survivable.
	Warn(msg string, fields ...interface{})

	// Error logs error conditions with the associated error object.
	Error(msg string, fields ...interface{})

	// WithFields returns a new Logger with the given fields added to all
	// subsequent logs. Useful for consistent context like job_id or component.
	WithFields(fields map[string]interface{}) Logger
}

// Metrics defines the interface for recording application metrics.
type Metrics interface {
	// RecordSuccess increments the processed counter for an operation.
	RecordSuccess(operation string)

	// RecordError increments the error counter by error type and operation.
	RecordError(operation, errorType string)

	// RecordDuration records an operation duration in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordFileSize records the size of a handled artifact in bytes.
	RecordFileSize(fileType string, bytes int64)

	// StartOperation marks an operation as in progress.
	StartOperation(operation string)

	// EndOperation marks an operation as no longer in progress.
	EndOperation(operation string)
}
