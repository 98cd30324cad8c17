package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

type stdoutLogger struct {
	fields map[string]interface{}
	logger *log.Logger
	json   bool
	level  int
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// NewStdoutLogger creates a structured logger writing to stdout. When json is
// true each entry is emitted as a single JSON object, otherwise as a
// timestamped text line with key=value fields appended.
func NewStdoutLogger(level string, jsonOutput bool) Logger {
	return &stdoutLogger{
		fields: make(map[string]interface{}),
		logger: log.New(os.Stdout, "", 0),
		json:   jsonOutput,
		level:  parseLevel(level),
	}
}

func (l *stdoutLogger) Debug(msg string, fields ...interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields...)
}

func (l *stdoutLogger) Info(msg string, fields ...interface{}) {
	l.log(levelInfo, "INFO", msg, fields...)
}

func (l *stdoutLogger) Warn(msg string, fields ...interface{}) {
	l.log(levelWarn, "WARN", msg, fields...)
}

func (l *stdoutLogger) Error(msg string, fields ...interface{}) {
	l.log(levelError, "ERROR", msg, fields...)
}

func (l *stdoutLogger) WithFields(fields map[string]interface{}) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &stdoutLogger{
		fields: newFields,
		logger: l.logger,
		json:   l.json,
		level:  l.level,
	}
}

func (l *stdoutLogger) log(level int, name string, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{})
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = name
	entry["message"] = msg

	for k, v := range l.fields {
		entry[k] = v
	}

	// Variadic fields come as key1, value1, key2, value2, ...
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok && err != nil {
			entry[key] = err.Error()
			continue
		}
		entry[key] = fields[i+1]
	}

	if l.json {
		l.logJSON(entry)
	} else {
		l.logText(entry)
	}
}

func (l *stdoutLogger) logJSON(entry map[string]interface{}) {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("failed to marshal log entry: %v", err)
		return
	}
	l.logger.Println(string(jsonBytes))
}

func (l *stdoutLogger) logText(entry map[string]interface{}) {
	timestamp := entry["timestamp"]
	level := entry["level"]
	message := entry["message"]
	delete(entry, "timestamp")
	delete(entry, "level")
	delete(entry, "message")

	fieldStrs := make([]string, 0, len(entry))
	for k, v := range entry {
		fieldStrs = append(fieldStrs, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(fieldStrs)

	logLine := fmt.Sprintf("%s [%s] %s", timestamp, level, message)
	if len(fieldStrs) > 0 {
		logLine += " | " + strings.Join(fieldStrs, " ")
	}

	l.logger.Println(logLine)
}
