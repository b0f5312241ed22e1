package telemetry

import (
	"context"
	"testing"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Emit(e Event) { r.events = append(r.events, e) }

func TestLogger_FieldsAreSortedDeterministically(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, "orbitd", LevelDebug)

	l.Info(context.Background(), "accepted", map[string]any{"z_field": "last", "a_field": "first"})

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	fields := sink.events[0].Fields
	if len(fields) != 2 || fields[0].K != "a_field" || fields[1].K != "z_field" {
		t.Fatalf("expected fields sorted by key, got %+v", fields)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, "orbitd", LevelWarn)

	l.Info(context.Background(), "below threshold", nil)
	l.Error(context.Background(), "above threshold", nil)

	if len(sink.events) != 1 {
		t.Fatalf("expected only the Error event to pass the Warn threshold, got %d", len(sink.events))
	}
	if sink.events[0].Level != LevelError {
		t.Fatalf("expected the surviving event to be Error, got %s", sink.events[0].Level)
	}
}

func TestLogger_SpanContextEnrichment(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, "orbitd", LevelDebug)
	ctx := ContextWithSpan(context.Background(), SpanContext{TraceID: "t-1", SpanID: "s-1", Sampled: true})

	l.Info(ctx, "op accepted", nil)

	var gotTrace, gotSpan, gotSampled bool
	for _, f := range sink.events[0].Fields {
		switch f.K {
		case "trace_id":
			gotTrace = f.V == "t-1"
		case "span_id":
			gotSpan = f.V == "s-1"
		case "sampled":
			gotSampled = f.V == "true"
		}
	}
	if !gotTrace || !gotSpan || !gotSampled {
		t.Fatalf("expected span context fields to be enriched, got %+v", sink.events[0].Fields)
	}
}

func TestLogger_SanitizesControlChars(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, "orbitd", LevelDebug)

	l.Info(context.Background(), "bad\x00msg", nil)

	msg := sink.events[0].Msg
	for _, r := range msg {
		if r < 0x20 {
			t.Fatalf("expected control characters stripped from message, got %q", msg)
		}
	}
}

func TestNop_NeverPanicsAndEmitsNothing(t *testing.T) {
	Nop.Info(context.Background(), "anything", map[string]any{"k": "v"})
	Nop.Error(context.Background(), "anything", nil)
}
