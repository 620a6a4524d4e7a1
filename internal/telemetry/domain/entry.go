package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryType discriminates persisted telemetry entries.
type EntryType string

const (
	EntryStep     EntryType = "step"
	EntryResult   EntryType = "result"
	EntryFeedback EntryType = "feedback"
)

// sortKeyTimeLayout has a fixed-width fraction so sort keys order lexicographically by time.
const sortKeyTimeLayout = "20060102T150405.000000000"

// Entry is one record in the durable store. Data holds the JSON payload inline, unless the
// payload overflowed to the blob store, in which case OverflowKey and PayloadSize are set
// and Data is empty.
type Entry struct {
	PartitionKey string          `json:"pk"`
	SortKey      string          `json:"sk"`
	TenantID     string          `json:"tenant_id"`
	SessionID    string          `json:"session_id"`
	EntryType    EntryType       `json:"entry_type"`
	Timestamp    time.Time       `json:"timestamp"`
	ExpiresAt    time.Time       `json:"expires_at"`
	UserID       string          `json:"user_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	OverflowKey  string          `json:"overflow_key,omitempty"`
	PayloadSize  int             `json:"payload_size"`
}

// Overflowed reports whether the payload lives in the blob store.
func (e *Entry) Overflowed() bool { return e.OverflowKey != "" }

// GetTenantID returns the entry's tenant.
func (e *Entry) GetTenantID() string { return e.TenantID }

// PartitionKey returns "<TYPE>#<tenant>#<session>".
func PartitionKey(t EntryType, tenantID, sessionID string) string {
	return strings.ToUpper(string(t)) + "#" + tenantID + "#" + sessionID
}

// SortKeyPrefix returns "<TYPE>#", the prefix shared by every sort key of t.
func SortKeyPrefix(t EntryType) string {
	return strings.ToUpper(string(t)) + "#"
}

// SortKey returns "<TYPE>#<yyyymmddThhmmss.nnnnnnnnnZ>#<suffix>".
func SortKey(t EntryType, ts time.Time, suffix string) string {
	return SortKeyPrefix(t) + ts.UTC().Format(sortKeyTimeLayout) + "Z#" + suffix
}

// NewSuffix returns 8 random hex characters used to keep keys unique.
func NewSuffix() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}

// OverflowKey returns the blob key for an oversized payload:
// telemetry/<tenant>/<type>/<yyyy>/<mm>/<dd>/<session>/<suffix>.json.
func OverflowKey(tenantID string, t EntryType, ts time.Time, sessionID, suffix string) string {
	ts = ts.UTC()
	return fmt.Sprintf("telemetry/%s/%s/%04d/%02d/%02d/%s/%s.json",
		tenantID, t, ts.Year(), int(ts.Month()), ts.Day(), sessionID, suffix)
}
