package stt

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/stt"

type coordinatorMetrics struct {
	jobs        metric.Int64Counter
	jobDuration metric.Float64Histogram
	loads       metric.Int64Counter
	resident    metric.Int64ObservableGauge
}

func newCoordinatorMetrics(resident func() (int64, string)) (*coordinatorMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &coordinatorMetrics{}
	var err error
	if m.jobs, err = meter.Int64Counter("scribe.jobs", metric.WithDescription("Finished transcription jobs by outcome")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("scribe.job.duration", metric.WithDescription("Transcription latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.loads, err = meter.Int64Counter("scribe.model.loads", metric.WithDescription("Model load attempts by outcome")); err != nil {
		return nil, err
	}
	if m.resident, err = meter.Int64ObservableGauge("scribe.models.resident", metric.WithDescription("Models currently held in memory")); err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		count, kind := resident()
		obs.ObserveInt64(m.resident, count, metric.WithAttributes(attribute.String("kind", kind)))
		return nil
	}, m.resident)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *coordinatorMetrics) recordJob(ctx context.Context, model ModelID, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(model.Kind)),
		attribute.String("outcome", outcome),
	)
	m.jobs.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *coordinatorMetrics) recordLoad(ctx context.Context, kind Kind, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.loads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
