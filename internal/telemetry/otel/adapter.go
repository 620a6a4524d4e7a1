package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"healthdata-platform/backend/internal/telemetry"
	"healthdata-platform/backend/internal/telemetry/domain"
)

// EventName is the event_type attribute of session completion records.
const EventName = "telemetry.session.completed"

// NewEventEmitter returns an EventEmitter that sends session results as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger("hdp.telemetry"))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger.
func NewEventEmitterWithLogger(logger RecordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

// RecordEmitter is the subset of otellog.Logger the emitter uses.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Result) error { return nil }

type otelEmitter struct {
	logger RecordEmitter
}

// Emit converts the result to an OTel log record: the body is the JSON metrics, identity
// and outcome go into attributes. Empty fields are omitted.
func (e *otelEmitter) Emit(ctx context.Context, r *domain.Result) error {
	if r == nil {
		return nil
	}
	rec := otellog.Record{}
	if !r.CompletedAt.IsZero() {
		rec.SetTimestamp(r.CompletedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetEventName(EventName)
	rec.SetSeverity(otellog.SeverityInfo)
	if r.Status == domain.ResultFailed {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	body, err := json.Marshal(r.Metrics)
	if err != nil {
		return err
	}
	rec.SetBody(otellog.BytesValue(body))

	rec.AddAttributes(otellog.String("event_type", EventName))
	for k, v := range map[string]string{
		"tenant_id":     r.TenantID,
		"user_id":       r.UserID,
		"session_id":    r.SessionID,
		"resource_type": r.ResourceType,
		"resource_id":   r.ResourceID,
		"status":        string(r.Status),
		"error_message": r.ErrorMessage,
	} {
		if v != "" {
			rec.AddAttributes(otellog.String(k, v))
		}
	}
	rec.AddAttributes(
		otellog.Int("total_steps", r.Metrics.TotalSteps),
		otellog.Int("failed_steps", r.Metrics.FailedSteps),
		otellog.Float64("success_rate", r.Metrics.SuccessRate),
		otellog.Int("performance_rating", r.Metrics.PerformanceRating),
		otellog.Int64("duration_ms", r.CompletedAt.Sub(r.StartedAt).Milliseconds()),
	)
	e.logger.Emit(ctx, rec)
	return nil
}
