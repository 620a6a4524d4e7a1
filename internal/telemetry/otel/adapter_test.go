package otel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"healthdata-platform/backend/internal/telemetry/domain"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("noop Emit(ctx, nil): %v", err)
	}
	if err := em.Emit(context.Background(), &domain.Result{SessionID: "s1"}); err != nil {
		t.Errorf("noop Emit(ctx, result): %v", err)
	}
}

func TestEmit_NilResult_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
	if err := em.Emit(context.Background(), &domain.Result{SessionID: "s1"}); err != nil {
		t.Errorf("Emit(ctx, result): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func attrsOf(rec otellog.Record) map[string]otellog.Value {
	attrs := make(map[string]otellog.Value)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	return attrs
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	res := &domain.Result{
		SessionID:    "sess1",
		TenantID:     "tenant-a",
		UserID:       "user1",
		ResourceType: "Patient",
		ResourceID:   "42",
		Status:       domain.ResultFailed,
		ErrorMessage: "timeout",
		StartedAt:    started,
		CompletedAt:  started.Add(1500 * time.Millisecond),
		Metrics:      domain.Metrics{TotalSteps: 2, SuccessfulSteps: 1, FailedSteps: 1, SuccessRate: 0.5, PerformanceRating: 2},
	}
	if err := em.Emit(context.Background(), res); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec

	if !rec.Timestamp().Equal(res.CompletedAt) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), res.CompletedAt)
	}
	if rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn for failed sessions", rec.Severity())
	}
	if rec.EventName() != EventName {
		t.Errorf("event name = %q, want %q", rec.EventName(), EventName)
	}

	var body domain.Metrics
	if err := json.Unmarshal(rec.Body().AsBytes(), &body); err != nil {
		t.Fatalf("body is not metrics JSON: %v", err)
	}
	if body.TotalSteps != 2 || body.FailedSteps != 1 {
		t.Errorf("body metrics = %+v", body)
	}

	attrs := attrsOf(rec)
	want := map[string]string{
		"tenant_id": "tenant-a", "user_id": "user1", "session_id": "sess1",
		"resource_type": "Patient", "resource_id": "42", "status": "failed",
		"error_message": "timeout", "event_type": EventName,
	}
	for k, v := range want {
		if got := attrs[k].AsString(); got != v {
			t.Errorf("attr %q = %q, want %q", k, got, v)
		}
	}
	if got := attrs["duration_ms"].AsInt64(); got != 1500 {
		t.Errorf("duration_ms = %d, want 1500", got)
	}
	if got := attrs["performance_rating"].AsInt64(); got != 2 {
		t.Errorf("performance_rating = %d, want 2", got)
	}
}

func TestEmit_EmptyFieldsOmitted(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	if err := em.Emit(context.Background(), &domain.Result{SessionID: "sess1", Status: domain.ResultCompleted}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	attrs := attrsOf(cap.rec)
	for _, k := range []string{"tenant_id", "user_id", "resource_id", "error_message"} {
		if _, ok := attrs[k]; ok {
			t.Errorf("attr %q should not be set for empty value", k)
		}
	}
	if cap.rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", cap.rec.Severity())
	}
}

func TestEmit_ZeroCompletedAt_SetsCurrentTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), &domain.Result{SessionID: "s1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	after := time.Now().UTC()
	ts := cap.rec.Timestamp()
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp = %v, should be between %v and %v", ts, before, after)
	}
}
