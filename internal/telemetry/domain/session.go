package domain

import (
	"maps"
	"time"
)

// Session is one tracked processing operation. Steps are append-only and kept in start order.
type Session struct {
	ID           string            `json:"session_id"`
	TenantID     string            `json:"tenant_id"`
	UserID       string            `json:"user_id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	StartedAt    time.Time         `json:"started_at"`
	Steps        []Step            `json:"steps"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StartStep appends an in-progress step and returns its sequence number.
func (s *Session) StartStep(name, description string, at time.Time) int {
	seq := len(s.Steps)
	s.Steps = append(s.Steps, Step{
		Sequence:    seq,
		Name:        name,
		Description: description,
		Status:      StepInProgress,
		StartedAt:   at,
	})
	return seq
}

// OldestInProgress returns the sequence of the oldest in-progress step named name.
func (s *Session) OldestInProgress(name string) (int, bool) {
	for i := range s.Steps {
		if s.Steps[i].Name == name && s.Steps[i].InProgress() {
			return i, true
		}
	}
	return 0, false
}

// CompleteStep completes the in-progress step at seq. It reports false when seq is out of
// range or the step is already terminal.
func (s *Session) CompleteStep(seq int, success bool, errMsg string, data map[string]any, at time.Time) bool {
	if seq < 0 || seq >= len(s.Steps) || !s.Steps[seq].InProgress() {
		return false
	}
	s.Steps[seq].Complete(success, errMsg, data, at)
	return true
}

// CompleteInProgress completes every in-progress step with the given outcome and returns
// how many it completed.
func (s *Session) CompleteInProgress(success bool, errMsg string, at time.Time) int {
	n := 0
	for i := range s.Steps {
		if s.Steps[i].InProgress() {
			s.Steps[i].Complete(success, errMsg, nil, at)
			n++
		}
	}
	return n
}

// FirstFailure returns the error message of the earliest failed step, or "".
func (s *Session) FirstFailure() string {
	for i := range s.Steps {
		if s.Steps[i].Status == StepFailed && s.Steps[i].ErrorMessage != "" {
			return s.Steps[i].ErrorMessage
		}
	}
	return ""
}

// Metrics computes the session's metrics.
func (s *Session) Metrics() Metrics {
	return ComputeMetrics(s.Steps)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Metadata = maps.Clone(s.Metadata)
	cp.Steps = make([]Step, len(s.Steps))
	for i := range s.Steps {
		cp.Steps[i] = s.Steps[i].Clone()
	}
	return &cp
}
