package logging

import "context"

// NoOpLogger discards everything. Used by tests and optional components
// constructed without a logger.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that drops all entries.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, fields ...any) {}
func (n *NoOpLogger) Info(msg string, fields ...any)  {}
func (n *NoOpLogger) Warn(msg string, fields ...any)  {}
func (n *NoOpLogger) Error(msg string, fields ...any) {}

// Fatal does not exit; a discarded fatal must not kill test processes.
func (n *NoOpLogger) Fatal(msg string, fields ...any) {}

func (n *NoOpLogger) DebugContext(ctx context.Context, msg string, fields ...any) {}
func (n *NoOpLogger) InfoContext(ctx context.Context, msg string, fields ...any)  {}
func (n *NoOpLogger) WarnContext(ctx context.Context, msg string, fields ...any)  {}
func (n *NoOpLogger) ErrorContext(ctx context.Context, msg string, fields ...any) {}

func (n *NoOpLogger) WithTraceID(traceID string) Logger     { return n }
func (n *NoOpLogger) WithComponent(component string) Logger { return n }
