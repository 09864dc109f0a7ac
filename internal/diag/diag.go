// Package diag reports non-fatal diagnostics of the cache engine. Warnings
// never interrupt an operation; they are handed to a Sink which usually
// writes them to a zap logger.
package diag

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// Code identifies the kind of a diagnostic.
type Code string

const (
	PluralityMismatch       Code = "plurality_mismatch"
	UnrefetchableField      Code = "unrefetchable_field"
	UnrefetchableNode       Code = "unrefetchable_node"
	MissingRangeEdgeNode    Code = "missing_range_edge_node"
	InvalidReadyStateChange Code = "invalid_ready_state_change"
	CacheRestoreFailed      Code = "cache_restore_failed"
	NetworkError            Code = "network_error"
)

// Diagnostic is a single report.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Message  string
	Fields   map[string]any
}

// Sink receives diagnostics.
type Sink interface {
	Report(Diagnostic)
}

// Warn reports a warning to sink. A nil sink discards it.
func Warn(sink Sink, code Code, format string, args ...any) {
	if sink == nil {
		return
	}
	sink.Report(Diagnostic{Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Error reports an error to sink. A nil sink discards it.
func Error(sink Sink, code Code, err error) {
	if sink == nil || err == nil {
		return
	}
	sink.Report(Diagnostic{Severity: SeverityError, Code: code, Message: err.Error()})
}

// Recorder keeps every diagnostic in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (r *Recorder) Report(d Diagnostic) {
	r.mu.Lock()
	r.items = append(r.items, d)
	r.mu.Unlock()
}

// Diagnostics returns a copy of the recorded diagnostics.
func (r *Recorder) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Diagnostic(nil), r.items...)
}

// Codes returns the codes of the recorded diagnostics in order.
func (r *Recorder) Codes() []Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Code, len(r.items))
	for i, d := range r.items {
		out[i] = d.Code
	}
	return out
}

// ZapSink writes diagnostics to a zap logger.
type ZapSink struct {
	*zap.Logger
}

func NewZapSink(l *zap.Logger) *ZapSink { return &ZapSink{Logger: l} }

func (s *ZapSink) Report(d Diagnostic) {
	fields := make([]zap.Field, 0, len(d.Fields)+1)
	fields = append(fields, zap.String("code", string(d.Code)))
	for k, v := range d.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch d.Severity {
	case SeverityInfo:
		s.Info(d.Message, fields...)
	case SeverityWarning:
		s.Warn(d.Message, fields...)
	default:
		s.Error(d.Message, fields...)
	}
}

// NewLogger builds a zap logger. format is "json" or "text"; level is one
// of debug, info, warn, error or none.
func NewLogger(format, level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zap.DebugLevel
	case "info":
		lvl = zap.InfoLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.CallerKey = ""
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "text" {
		cfg.Encoding = "console"
		cfg.DisableCaller = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg.Build()
}
