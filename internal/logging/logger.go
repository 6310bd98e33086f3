// Package logging provides leveled structured logging with trace support
// and an optional JSON-lines file sink under the data directory.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the logging interface used across the hub.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Fatal(msg string, fields ...any)

	// Context-aware variants pick the trace id out of the context.
	DebugContext(ctx context.Context, msg string, fields ...any)
	InfoContext(ctx context.Context, msg string, fields ...any)
	WarnContext(ctx context.Context, msg string, fields ...any)
	ErrorContext(ctx context.Context, msg string, fields ...any)

	WithTraceID(traceID string) Logger
	WithComponent(component string) Logger
}

// Entry is one structured log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	Component string         `json:"component,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Level is a log severity threshold.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	}
	return "INFO"
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	}
	return INFO
}

// ContextKey is the context key type for trace ids.
type ContextKey string

// TraceIDKey carries the request trace id through contexts.
const TraceIDKey ContextKey = "trace_id"

// Options configures a logger.
type Options struct {
	Level Level
	// JSON switches the console sink to JSON lines. Defaults to the
	// LOG_JSON environment variable; text otherwise.
	JSON bool
	// Console defaults to stderr.
	Console io.Writer
	// FilePath, when set, adds a JSON-lines sink. Parent directories
	// are created as needed.
	FilePath string
}

// sink serializes writes from all logger children sharing it.
type sink struct {
	mu   sync.Mutex
	out  io.Writer
	file io.WriteCloser
}

func (s *sink) write(console, file []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(console)
	if s.file != nil {
		_, _ = s.file.Write(file)
	}
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// StructuredLogger writes leveled entries to the console and the optional
// file sink. Children created by WithTraceID/WithComponent share sinks.
type StructuredLogger struct {
	level     Level
	traceID   string
	component string
	useJSON   bool
	sink      *sink
}

// New creates a logger from options. The returned close function flushes
// and closes the file sink; it is safe to call when no file is configured.
func New(opts Options) (*StructuredLogger, func() error, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	s := &sink{out: console}
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		s.file = f
	}
	logger := &StructuredLogger{
		level:   opts.Level,
		useJSON: opts.JSON || envBool("LOG_JSON", false),
		sink:    s,
	}
	return logger, s.close, nil
}

// NewLogger creates a console-only logger at the given level.
func NewLogger(level Level) Logger {
	l, _, _ := New(Options{Level: level})
	return l
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

// WithTraceID returns a child logger stamped with the trace id.
func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	child := *l
	child.traceID = traceID
	return &child
}

// WithComponent returns a child logger stamped with the component name.
func (l *StructuredLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	return &child
}

func (l *StructuredLogger) Debug(msg string, fields ...any) { l.log(DEBUG, msg, "", fields) }
func (l *StructuredLogger) Info(msg string, fields ...any)  { l.log(INFO, msg, "", fields) }
func (l *StructuredLogger) Warn(msg string, fields ...any)  { l.log(WARN, msg, "", fields) }
func (l *StructuredLogger) Error(msg string, fields ...any) { l.log(ERROR, msg, "", fields) }

// Fatal logs and exits the process.
func (l *StructuredLogger) Fatal(msg string, fields ...any) {
	l.log(FATAL, msg, "", fields)
	osExit(1)
}

func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields ...any) {
	l.log(DEBUG, msg, GetTraceID(ctx), fields)
}

func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...any) {
	l.log(INFO, msg, GetTraceID(ctx), fields)
}

func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields ...any) {
	l.log(WARN, msg, GetTraceID(ctx), fields)
}

func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...any) {
	l.log(ERROR, msg, GetTraceID(ctx), fields)
}

// osExit is swapped in tests.
var osExit = os.Exit

func (l *StructuredLogger) log(level Level, msg, contextTraceID string, fields []any) {
	if level < l.level {
		return
	}
	traceID := l.traceID
	if contextTraceID != "" {
		traceID = contextTraceID
	}

	file, line := "", 0
	if _, path, n, ok := runtime.Caller(2); ok {
		file, line = filepath.Base(path), n
	}

	entry := Entry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
		File:      file,
		Line:      line,
		Fields:    pairFields(fields),
	}

	jsonLine, err := json.Marshal(entry)
	if err != nil {
		jsonLine = []byte(fmt.Sprintf(`{"level":%q,"message":%q}`, entry.Level, entry.Message))
	}
	jsonLine = append(jsonLine, '\n')

	console := jsonLine
	if !l.useJSON {
		console = []byte(formatText(entry))
	}
	l.sink.write(console, jsonLine)
}

// pairFields folds variadic key-value arguments into a map. A dangling
// value is kept under a positional key rather than dropped.
func pairFields(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, (len(fields)+1)/2)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			m[fmt.Sprintf("%v", fields[i])] = fields[i+1]
		} else {
			m[fmt.Sprintf("field_%d", i)] = fields[i]
		}
	}
	return m
}

func formatText(entry Entry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp)
	b.WriteString(" [")
	b.WriteString(entry.Level)
	b.WriteString("]")
	if entry.Component != "" {
		b.WriteString(" [")
		b.WriteString(entry.Component)
		b.WriteString("]")
	}
	if entry.TraceID != "" {
		b.WriteString(" trace:")
		b.WriteString(shortTrace(entry.TraceID))
	}
	b.WriteString(" ")
	b.WriteString(entry.Message)
	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
	}
	if entry.File != "" {
		fmt.Fprintf(&b, " (%s:%d)", entry.File, entry.Line)
	}
	b.WriteString("\n")
	return b.String()
}

func shortTrace(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Default logger, overridable for embedding and tests.
var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewLogger(INFO)
)

// SetDefault replaces the package-level logger.
func SetDefault(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Default returns the package-level logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func Debug(msg string, fields ...any) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...any)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...any)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...any) { Default().Error(msg, fields...) }
func Fatal(msg string, fields ...any) { Default().Fatal(msg, fields...) }

// WithComponent returns a child of the default logger.
func WithComponent(component string) Logger {
	return Default().WithComponent(component)
}

// GenerateTraceID returns a fresh trace id.
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace id in the context, generating one if empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace id from a context, or "".
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
