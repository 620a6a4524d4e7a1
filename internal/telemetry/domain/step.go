// Package domain holds the telemetry session model: steps, sessions, derived metrics,
// results, feedback and the persisted entry schema.
package domain

import (
	"maps"
	"time"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Step is one unit of work inside a session. Names are not unique: a retried step is a new
// Step under the same name. CompletedAt is set iff Status is completed or failed.
type Step struct {
	Sequence     int            `json:"sequence"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       StepStatus     `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Duration is CompletedAt minus StartedAt, or zero when the step has not completed.
func (s *Step) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	if d := s.CompletedAt.Sub(s.StartedAt); d > 0 {
		return d
	}
	return 0
}

// InProgress reports whether the step is still running.
func (s *Step) InProgress() bool { return s.Status == StepInProgress }

// Complete marks the step completed or failed at t and merges data into the step's data bag.
// The error message is kept only on failure.
func (s *Step) Complete(success bool, errMsg string, data map[string]any, t time.Time) {
	at := t
	s.CompletedAt = &at
	if success {
		s.Status = StepCompleted
	} else {
		s.Status = StepFailed
		s.ErrorMessage = errMsg
	}
	if len(data) > 0 {
		if s.Data == nil {
			s.Data = make(map[string]any, len(data))
		}
		maps.Copy(s.Data, data)
	}
}

// Skip marks the step skipped. Skipped steps carry no completion time.
func (s *Step) Skip(reason string) {
	s.Status = StepSkipped
	s.CompletedAt = nil
	s.ErrorMessage = reason
}

// Clone returns a deep copy of the step. Data values are copied shallowly.
func (s Step) Clone() Step {
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		s.CompletedAt = &at
	}
	s.Data = maps.Clone(s.Data)
	return s
}
