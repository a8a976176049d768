// Package observability emits structured JSONL events for hub operations.
package observability

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// EventLevel represents the severity of an event.
type EventLevel int

const (
	LevelDebug EventLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l EventLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Event types for hub operations.
const (
	EventDispatchStart    = "hub.dispatch.start"
	EventDispatchEnd      = "hub.dispatch.end"
	EventModuleSelected   = "hub.select"
	EventAdapterConnect   = "adapter.connect"
	EventAdapterSend      = "adapter.send"
	EventAdapterTimeout   = "adapter.timeout"
	EventBreakerTrip      = "breaker.trip"
	EventBreakerReset     = "breaker.reset"
	EventExperienceClosed = "experience.close"
	EventReplayStart      = "replay.start"
	EventReplayEnd        = "replay.end"
	EventError            = "hub.error"
)

// Event is one structured log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     EventLevel     `json:"level"`
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// MarshalJSON renders the level as its name.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(&struct {
		Level string `json:"level"`
		alias
	}{
		Level: e.Level.String(),
		alias: alias(e),
	})
}

// EventLogger writes events as JSON lines and keeps a bounded in-memory
// buffer for inspection.
type EventLogger struct {
	writer    io.Writer
	level     EventLevel
	fields    map[string]any
	mu        sync.Mutex
	buffer    []Event
	maxBuffer int
}

// LoggerOption configures an event logger.
type LoggerOption func(*EventLogger)

// WithWriter sets the output writer.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *EventLogger) { l.writer = w }
}

// WithLevel sets the minimum log level.
func WithLevel(level EventLevel) LoggerOption {
	return func(l *EventLogger) { l.level = level }
}

// WithDefaultFields attaches fields to every event.
func WithDefaultFields(fields map[string]any) LoggerOption {
	return func(l *EventLogger) { l.fields = fields }
}

// WithBuffer enables in-memory buffering of the most recent events.
func WithBuffer(size int) LoggerOption {
	return func(l *EventLogger) {
		l.maxBuffer = size
		l.buffer = make([]Event, 0, size)
	}
}

// NewEventLogger creates an event logger.
func NewEventLogger(opts ...LoggerOption) *EventLogger {
	l := &EventLogger{
		writer: os.Stderr,
		level:  LevelInfo,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log emits an event at the given level.
func (l *EventLogger) Log(level EventLevel, eventType, message string, fields map[string]any) {
	if level < l.level {
		return
	}
	l.emit(Event{
		Timestamp: time.Now(),
		Level:     level,
		Type:      eventType,
		Message:   message,
		Fields:    l.mergeFields(fields),
	})
}

// Debug logs a debug event.
func (l *EventLogger) Debug(eventType, message string, fields map[string]any) {
	l.Log(LevelDebug, eventType, message, fields)
}

// Info logs an info event.
func (l *EventLogger) Info(eventType, message string, fields map[string]any) {
	l.Log(LevelInfo, eventType, message, fields)
}

// Warn logs a warning event.
func (l *EventLogger) Warn(eventType, message string, fields map[string]any) {
	l.Log(LevelWarn, eventType, message, fields)
}

// Error logs an error event.
func (l *EventLogger) Error(eventType, message string, fields map[string]any) {
	l.Log(LevelError, eventType, message, fields)
}

// LogError logs an error value with context fields.
func (l *EventLogger) LogError(err error, eventType string, fields map[string]any) {
	if err == nil {
		return
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["error"] = err.Error()
	l.Error(eventType, err.Error(), fields)
}

// RecentEvents returns up to n most recent buffered events.
func (l *EventLogger) RecentEvents(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buffer == nil {
		return nil
	}
	if n <= 0 || n > len(l.buffer) {
		n = len(l.buffer)
	}
	result := make([]Event, n)
	copy(result, l.buffer[len(l.buffer)-n:])
	return result
}

func (l *EventLogger) mergeFields(fields map[string]any) map[string]any {
	if len(l.fields) == 0 && len(fields) == 0 {
		return nil
	}
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

func (l *EventLogger) emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buffer != nil {
		l.buffer = append(l.buffer, event)
		if len(l.buffer) > l.maxBuffer {
			l.buffer = l.buffer[len(l.buffer)-l.maxBuffer/2:]
		}
	}

	if l.writer != nil {
		if data, err := json.Marshal(event); err == nil {
			l.writer.Write(data)
			l.writer.Write([]byte("\n"))
		}
	}
}

// Global default logger.
var defaultLogger = NewEventLogger(WithBuffer(100))

// DefaultLogger returns the global default event logger.
func DefaultLogger() *EventLogger {
	return defaultLogger
}

// HubLogger provides convenient logging for dispatch operations.
type HubLogger struct {
	logger *EventLogger
}

// NewHubLogger creates a hub-specific logger.
func NewHubLogger(logger *EventLogger) *HubLogger {
	if logger == nil {
		logger = defaultLogger
	}
	return &HubLogger{logger: logger}
}

// DispatchStart logs the start of a dispatch.
func (l *HubLogger) DispatchStart(decisionID, taskType string, candidates int) {
	l.logger.Info(EventDispatchStart, "dispatch started", map[string]any{
		"decision_id": decisionID,
		"task_type":   taskType,
		"candidates":  candidates,
	})
}

// DispatchEnd logs the end of a dispatch.
func (l *HubLogger) DispatchEnd(decisionID, module string, duration time.Duration, reward float64, err error) {
	fields := map[string]any{
		"decision_id": decisionID,
		"module":      module,
		"duration_ms": duration.Milliseconds(),
		"reward":      reward,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.logger.Error(EventDispatchEnd, "dispatch failed", fields)
		return
	}
	l.logger.Info(EventDispatchEnd, "dispatch completed", fields)
}

// ModuleSelected logs a selection decision.
func (l *HubLogger) ModuleSelected(decisionID, module string, coldStart bool) {
	l.logger.Debug(EventModuleSelected, "module selected", map[string]any{
		"decision_id": decisionID,
		"module":      module,
		"cold_start":  coldStart,
	})
}

// AdapterSend logs one adapter round-trip.
func (l *HubLogger) AdapterSend(adapter string, latency time.Duration, success bool) {
	l.logger.Debug(EventAdapterSend, "adapter send", map[string]any{
		"adapter":    adapter,
		"latency_ms": latency.Milliseconds(),
		"success":    success,
	})
}

// AdapterTimeout logs a send that exceeded its deadline.
func (l *HubLogger) AdapterTimeout(adapter string, timeout time.Duration) {
	l.logger.Warn(EventAdapterTimeout, "adapter send timed out", map[string]any{
		"adapter":    adapter,
		"timeout_ms": timeout.Milliseconds(),
	})
}

// BreakerTrip logs a circuit breaker opening.
func (l *HubLogger) BreakerTrip(module string) {
	l.logger.Warn(EventBreakerTrip, "circuit breaker tripped", map[string]any{
		"module": module,
	})
}

// BreakerReset logs a circuit breaker closing again.
func (l *HubLogger) BreakerReset(module string) {
	l.logger.Info(EventBreakerReset, "circuit breaker reset", map[string]any{
		"module": module,
	})
}

// ExperienceClosed logs an outcome landing in the experience log.
func (l *HubLogger) ExperienceClosed(decisionID string, reward float64) {
	l.logger.Debug(EventExperienceClosed, "experience closed", map[string]any{
		"decision_id": decisionID,
		"reward":      reward,
	})
}

// ReplayStart logs the start of an offline training pass.
func (l *HubLogger) ReplayStart(filterModule string) {
	l.logger.Info(EventReplayStart, "replay started", map[string]any{
		"module_filter": filterModule,
	})
}

// ReplayEnd logs the end of an offline training pass.
func (l *HubLogger) ReplayEnd(records int, duration time.Duration) {
	l.logger.Info(EventReplayEnd, "replay completed", map[string]any{
		"records":     records,
		"duration_ms": duration.Milliseconds(),
	})
}

// Error logs a hub error.
func (l *HubLogger) Error(operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation
	l.logger.LogError(err, EventError, fields)
}
