// Package logging adapts go.uber.org/zap to pkg/telemetry.Sink, replacing the
// teacher's JSON-over-stdout writer in pkg/telemetry.Logger with zap's structured,
// leveled core while keeping Orbit's own Field/Event shape and determinism upstream
// of the sink.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orbitcore/orbit/pkg/telemetry"
)

// ZapSink emits telemetry.Event values through a *zap.Logger.
type ZapSink struct {
	z *zap.Logger
}

// NewZapSink builds a production zap.Logger (JSON encoder, ISO8601 timestamps) and
// wraps it as a telemetry.Sink.
func NewZapSink() (*ZapSink, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapSink{z: z}, nil
}

// NewZapSinkFrom wraps an already-constructed zap.Logger, for callers that configure
// their own encoder/level/output.
func NewZapSinkFrom(z *zap.Logger) *ZapSink {
	return &ZapSink{z: z}
}

func (s *ZapSink) Emit(ev telemetry.Event) {
	fields := make([]zap.Field, 0, len(ev.Fields)+1)
	if ev.Service != "" {
		fields = append(fields, zap.String("service", ev.Service))
	}
	for _, f := range ev.Fields {
		fields = append(fields, zap.String(f.K, f.V))
	}

	switch ev.Level {
	case telemetry.LevelDebug:
		s.z.Debug(ev.Msg, fields...)
	case telemetry.LevelWarn:
		s.z.Warn(ev.Msg, fields...)
	case telemetry.LevelError:
		s.z.Error(ev.Msg, fields...)
	default:
		s.z.Info(ev.Msg, fields...)
	}
}

// Sync flushes any buffered log entries; callers should defer it at process exit.
func (s *ZapSink) Sync() error { return s.z.Sync() }
