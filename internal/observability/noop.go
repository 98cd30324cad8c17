package observability

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything. Used in tests and
// as a safe default before configuration is loaded.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...interface{})               {}
func (nopLogger) Info(string, ...interface{})                {}
func (nopLogger) Warn(string, ...interface{})                {}
func (nopLogger) Error(string, ...interface{})               {}
func (n nopLogger) WithFields(map[string]interface{}) Logger { return n }

type nopMetrics struct{}

// NewNopMetrics returns a Metrics implementation that records nothing.
func NewNopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordSuccess(string)           {}
func (nopMetrics) RecordError(string, string)     {}
func (nopMetrics) RecordDuration(string, float64) {}
func (nopMetrics) RecordFileSize(string, int64)   {}
func (nopMetrics) StartOperation(string)          {}
func (nopMetrics) EndOperation(string)            {}
