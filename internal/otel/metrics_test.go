package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.EventsHandled == nil || m.IntentsClassified == nil || m.LinkOutcomes == nil ||
		m.LLMCallDuration == nil || m.TranscriptionDuration == nil || m.ActiveLinkSessions == nil {
		t.Fatalf("expected every instrument to be created: %+v", m)
	}

	ctx := context.Background()
	m.RecordEvent(ctx, "text")
	m.RecordIntent(ctx, "CREATE_TASK", true)
	m.RecordLinkOutcome(ctx, "linked")
	m.RecordLLMCall(ctx, "llama3", 150*time.Millisecond, "")
	m.RecordLLMCall(ctx, "llama3", time.Second, "timeout")
	m.RecordTranscription(ctx, time.Second, false)
	m.LinkSessionOpened(ctx)
	m.LinkSessionClosed(ctx)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordEvent(ctx, "voice")
	m.RecordIntent(ctx, "UNKNOWN", false)
	m.RecordLinkOutcome(ctx, "expired")
	m.RecordLLMCall(ctx, "m", time.Second, "")
	m.RecordTranscription(ctx, time.Second, true)
	m.LinkSessionOpened(ctx)
	m.LinkSessionClosed(ctx)
}
