package tontine

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEngine_RecordsSpans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newEngineFixture(t, NewInMemoryStore(), WithTracerProvider(tp))
	view := mustGroupWith(t, f, 3, "alice", "bob")
	if _, err := f.engine.StartGroup(ctx, view.Group.ID, "bob"); !IsForbidden(err) {
		t.Fatalf("StartGroup by non-creator err=%v", err)
	}

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("spans=%d want 3", len(spans))
	}
	if spans[0].Name() != "tontine.create_group" || spans[1].Name() != "tontine.join_group" {
		t.Fatalf("span names=%q,%q", spans[0].Name(), spans[1].Name())
	}
	last := spans[2]
	if last.Name() != "tontine.start_group" {
		t.Fatalf("last span=%q", last.Name())
	}
	if last.Status().Code != codes.Error || last.Status().Description != "forbidden" {
		t.Fatalf("status=%+v", last.Status())
	}
	found := false
	for _, kv := range last.Attributes() {
		if string(kv.Key) == "group.id" && kv.Value.AsString() == view.Group.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("group.id attribute missing: %v", last.Attributes())
	}
}
