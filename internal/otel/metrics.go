package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the taskbot instruments. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	EventsHandled         metric.Int64Counter
	IntentsClassified     metric.Int64Counter
	LinkOutcomes          metric.Int64Counter
	LLMCallDuration       metric.Float64Histogram
	TranscriptionDuration metric.Float64Histogram
	ActiveLinkSessions    metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsHandled, err = meter.Int64Counter("taskbot.events",
		metric.WithDescription("Inbound chat events handled"),
	)
	if err != nil {
		return nil, err
	}

	m.IntentsClassified, err = meter.Int64Counter("taskbot.intents",
		metric.WithDescription("Utterances classified, by intent and parse outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.LinkOutcomes, err = meter.Int64Counter("taskbot.link.outcomes",
		metric.WithDescription("Account linking steps, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("taskbot.llm.duration",
		metric.WithDescription("Language model call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TranscriptionDuration, err = meter.Float64Histogram("taskbot.transcription.duration",
		metric.WithDescription("Voice transcription duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLinkSessions, err = meter.Int64UpDownCounter("taskbot.link.sessions",
		metric.WithDescription("Linking sessions currently open"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.EventsHandled.Add(ctx, 1, metric.WithAttributes(AttrEventKind.String(kind)))
}

func (m *Metrics) RecordIntent(ctx context.Context, intent string, parsed bool) {
	if m == nil {
		return
	}
	m.IntentsClassified.Add(ctx, 1, metric.WithAttributes(AttrIntent.String(intent), AttrParsed.Bool(parsed)))
}

func (m *Metrics) RecordLinkOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.LinkOutcomes.Add(ctx, 1, metric.WithAttributes(AttrLinkOutcome.String(outcome)))
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, d time.Duration, errClass string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrModel.String(model)}
	if errClass != "" {
		attrs = append(attrs, AttrErrorClass.String(errClass))
	}
	m.LLMCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordTranscription(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.TranscriptionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) LinkSessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveLinkSessions.Add(ctx, 1)
}

func (m *Metrics) LinkSessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveLinkSessions.Add(ctx, -1)
}
