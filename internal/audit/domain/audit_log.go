package domain

import "time"

// Outcomes recorded on access decisions.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
)

// AuditLog represents an audit event.
type AuditLog struct {
	ID        string
	TenantID  string
	UserID    string
	Action    string
	Resource  string
	Outcome   string
	IP        string
	Metadata  string
	CreatedAt time.Time
}

// GetTenantID returns the tenant the entry belongs to.
func (a *AuditLog) GetTenantID() string { return a.TenantID }
