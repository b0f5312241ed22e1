// Package telemetry defines Orbit's structured logging contract, adapted from the
// teacher's pkg/telemetry.Logger: deterministic Field/Event shape, sanitized values,
// and span-context enrichment. Unlike the teacher's bespoke JSON writer, emission is
// delegated to a Sink port — production wires in a zap-backed Sink
// (internal/adapters/logging); tests use a recording Sink.
package telemetry

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level is a log severity, ordered Debug < Info < Warn < Error.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarn:
		return 3
	case LevelError:
		return 4
	default:
		return 0
	}
}

const (
	MaxFields       = 64
	MaxKeyLen       = 64
	MaxValLen       = 512
	MaxMessageLen   = 1024
	MaxServiceLen   = 64
	MaxConflictKeys = 8
)

// Field is a deterministic key/value pair; Logger always emits Fields sorted by K so
// two calls with the same logical content serialize identically.
type Field struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Event is one structured log record, handed to a Sink for emission.
type Event struct {
	Ts      time.Time `json:"ts"`
	Level   Level     `json:"level"`
	Service string    `json:"service,omitempty"`
	Msg     string    `json:"msg"`
	Fields  []Field   `json:"fields,omitempty"`
}

// Sink is the emission port. A Sink must not block the caller indefinitely; it owns
// its own buffering/flushing policy.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// discardSink drops every event; used as the Nop logger's backend.
type discardSink struct{}

func (discardSink) Emit(Event) {}

type spanContextKey struct{}

// SpanContext is the minimal tracing enrichment the logger knows how to extract from a
// context, grounded on the teacher's SpanContextFromContext/trace_id/span_id fields.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Sampled      bool
}

// ContextWithSpan attaches sc to ctx for later enrichment by Logger.
func ContextWithSpan(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, spanContextKey{}, sc)
}

// SpanFromContext retrieves a SpanContext previously attached with ContextWithSpan.
func SpanFromContext(ctx context.Context) (SpanContext, bool) {
	if ctx == nil {
		return SpanContext{}, false
	}
	sc, ok := ctx.Value(spanContextKey{}).(SpanContext)
	return sc, ok
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request id for enrichment.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext retrieves a request id previously attached with
// ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// Logger is the structured logger the rest of Orbit logs through. It is safe for
// concurrent use; Sink implementations are responsible for their own synchronization.
type Logger struct {
	sink    Sink
	service string
	level   Level

	mu sync.Mutex
}

// Nop is a safe, always-present default logger that discards everything.
var Nop = &Logger{sink: discardSink{}, level: LevelError}

// New builds a Logger emitting through sink. minLevel filters out events below it
// (default LevelInfo if empty).
func New(sink Sink, service string, minLevel Level) *Logger {
	if sink == nil {
		sink = discardSink{}
	}
	if minLevel == "" {
		minLevel = LevelInfo
	}
	if len(service) > MaxServiceLen {
		service = service[:MaxServiceLen]
	}
	return &Logger{sink: sink, service: strings.TrimSpace(service), level: minLevel}
}

func (l *Logger) enabled(level Level) bool {
	if l == nil {
		return false
	}
	return level.rank() >= l.level.rank()
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelDebug, msg, fields)
}
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelInfo, msg, fields)
}
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelWarn, msg, fields)
}
func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelError, msg, fields)
}

// AsExecutorLogger adapts Logger to the (level, msg, fields) function shape consumed
// by pkg/executor.LoggerFn / pkg/sweeper.LoggerFn.
func (l *Logger) AsExecutorLogger() func(level, msg string, fields map[string]any) {
	return func(level, msg string, fields map[string]any) {
		switch Level(level) {
		case LevelDebug:
			l.Debug(context.Background(), msg, fields)
		case LevelWarn:
			l.Warn(context.Background(), msg, fields)
		case LevelError:
			l.Error(context.Background(), msg, fields)
		default:
			l.Info(context.Background(), msg, fields)
		}
	}
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	if l == nil || !l.enabled(level) {
		return
	}

	merged := make(map[string]string, 16)
	var conflicts []string

	set := func(k, v string, authoritative bool) {
		k = strings.TrimSpace(k)
		if k == "" || len(k) > MaxKeyLen {
			return
		}
		v = sanitize(v, MaxValLen)
		if existing, ok := merged[k]; ok && existing != v {
			if len(conflicts) < MaxConflictKeys {
				conflicts = append(conflicts, k)
			}
			if !authoritative {
				return
			}
		}
		merged[k] = v
	}

	if sc, ok := SpanFromContext(ctx); ok {
		set("trace_id", sc.TraceID, true)
		set("span_id", sc.SpanID, true)
		if sc.ParentSpanID != "" {
			set("parent_span_id", sc.ParentSpanID, true)
		}
		set("sampled", boolString(sc.Sampled), true)
	}
	if ctx != nil {
		if v, ok := ctx.Value(requestIDKey{}).(string); ok && strings.TrimSpace(v) != "" {
			set("request_id", v, true)
		}
	}

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(merged) >= MaxFields {
				set("log_truncated", "true", true)
				break
			}
			set(k, valueToString(fields[k]), false)
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		set("field_conflicts", strings.Join(conflicts, ","), true)
	}

	ev := Event{Ts: time.Now().UTC(), Level: level, Service: l.service, Msg: sanitize(msg, MaxMessageLen)}
	if len(merged) > 0 {
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ev.Fields = make([]Field, 0, len(keys))
		for _, k := range keys {
			ev.Fields = append(ev.Fields, Field{K: k, V: merged[k]})
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink.Emit(ev)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// valueToString renders a field value deterministically: primitives directly, maps and
// slices as sorted-key JSON.
func valueToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return boolString(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Duration:
		return x.String()
	default:
		b, err := json.Marshal(sortedCopy(x))
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// sortedCopy returns v unchanged for non-map/slice values; for map[string]any it is
// left to encoding/json, which already sorts map keys when marshaling.
func sortedCopy(v any) any { return v }
