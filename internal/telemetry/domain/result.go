package domain

import "time"

// ResultStatus is the final status of a session.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Result is the outcome of a completed session. Steps are persisted as their own entries
// and are not part of the result payload.
type Result struct {
	SessionID    string            `json:"session_id"`
	TenantID     string            `json:"tenant_id"`
	UserID       string            `json:"user_id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Status       ResultStatus      `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	Metrics      Metrics           `json:"metrics"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Steps        []Step            `json:"-"`
}

// NewResult builds the result of s finishing at completedAt. When failing without a message,
// the first failed step's error is used.
func NewResult(s *Session, success bool, errMsg string, completedAt time.Time) *Result {
	r := &Result{
		SessionID:    s.ID,
		TenantID:     s.TenantID,
		UserID:       s.UserID,
		ResourceType: s.ResourceType,
		ResourceID:   s.ResourceID,
		Status:       ResultCompleted,
		StartedAt:    s.StartedAt,
		CompletedAt:  completedAt,
		Metrics:      s.Metrics(),
		Metadata:     s.Metadata,
		Steps:        s.Steps,
	}
	if !success {
		r.Status = ResultFailed
		r.ErrorMessage = errMsg
		if r.ErrorMessage == "" {
			r.ErrorMessage = s.FirstFailure()
		}
	}
	return r
}

// Feedback is free-text user feedback on a session.
type Feedback struct {
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
