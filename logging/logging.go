// Package logging provides leveled key=value console logging for the
// messaging components. Every component scopes its logger with
// WithComponent so broker, bridge, registry and collaboration output
// can be told apart on a shared stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu            sync.Mutex
	output        io.Writer
	minLevel      Level
	component     string
	correlationID string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:        l.output,
		minLevel:      l.minLevel,
		component:     component,
		correlationID: l.correlationID,
	}
}

// WithCorrelationID returns a new logger carrying the given correlation ID.
func (l *Logger) WithCorrelationID(correlationID string) *Logger {
	return &Logger{
		output:        l.output,
		minLevel:      l.minLevel,
		component:     l.component,
		correlationID: correlationID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Domain event helpers ---
// Thin wrappers so components emit consistent event names and fields.

// ConnectAttempt logs a broker connection attempt.
func (l *Logger) ConnectAttempt(url string, attempt int, err error) {
	fields := map[string]interface{}{
		"url":     url,
		"attempt": attempt,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("connect_attempt_failed", fields)
	} else {
		l.Info("connected", fields)
	}
}

// Disconnected logs a broker disconnect.
func (l *Logger) Disconnected(url string) {
	l.Info("disconnected", map[string]interface{}{
		"url": url,
	})
}

// MessageRejected logs an inbound message that could not be dispatched.
func (l *Logger) MessageRejected(topic, messageID, stage, reason string) {
	l.Warn("message_rejected", map[string]interface{}{
		"topic":      topic,
		"message_id": messageID,
		"stage":      stage,
		"reason":     reason,
	})
}

// MessageDispatched logs a successfully routed inbound message.
func (l *Logger) MessageDispatched(topic, messageID, channel string) {
	l.Debug("message_dispatched", map[string]interface{}{
		"topic":      topic,
		"message_id": messageID,
		"channel":    channel,
	})
}

// CapabilityRegistered logs a capability advertisement landing in the registry.
func (l *Logger) CapabilityRegistered(capabilityID, agentID string, replaced bool) {
	fields := map[string]interface{}{
		"capability_id": capabilityID,
		"agent_id":      agentID,
	}
	if replaced {
		l.Debug("capability_replaced", fields)
	} else {
		l.Info("capability_registered", fields)
	}
}

// StaleCapabilitiesRemoved logs the outcome of a staleness sweep.
func (l *Logger) StaleCapabilitiesRemoved(count int) {
	if count == 0 {
		return
	}
	l.Info("stale_capabilities_removed", map[string]interface{}{
		"count": count,
	})
}

// TaskDispatched logs a compound task fan-out.
func (l *Logger) TaskDispatched(taskID string, subtasks int) {
	l.Info("task_dispatched", map[string]interface{}{
		"task_id":  taskID,
		"subtasks": subtasks,
	})
}

// SubtaskResult logs a resolved subtask.
func (l *Logger) SubtaskResult(taskID, subtaskID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"duration":   duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("subtask_failed", fields)
	} else {
		l.Debug("subtask_completed", fields)
	}
}

// TaskCancelled logs a cooperative task cancel.
func (l *Logger) TaskCancelled(taskID string) {
	l.Info("task_cancelled", map[string]interface{}{
		"task_id": taskID,
	})
}
