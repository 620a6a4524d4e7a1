package security

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidTenantID is returned when a tenant id is empty or malformed.
var ErrInvalidTenantID = errors.New("invalid tenant id")

const maxTenantIDLength = 64

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateTenantID checks that id is a non-empty token of letters, digits, '-' and '_'.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(id) > maxTenantIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTenantID, maxTenantIDLength)
	}
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}

// TenantScoped is implemented by entities that belong to exactly one tenant.
type TenantScoped interface {
	GetTenantID() string
}

// TenantStamper is implemented by tenant-scoped entities whose tenant is assigned on write.
type TenantStamper interface {
	TenantScoped
	SetTenantID(tenantID string)
}

// StampTenant assigns the principal's tenant to entity. An entity that already carries a
// different tenant is rejected unless the principal bypasses tenant checks.
func StampTenant(p *Principal, entity TenantStamper) error {
	if !p.IsAuthenticated() {
		return errors.New("stamp tenant: unauthenticated principal")
	}
	if err := ValidateTenantID(p.TenantID()); err != nil {
		return fmt.Errorf("stamp tenant: %w", err)
	}
	if current := entity.GetTenantID(); current != "" && current != p.TenantID() && !p.BypassesChecks() {
		return fmt.Errorf("stamp tenant: entity belongs to tenant %q", current)
	}
	entity.SetTenantID(p.TenantID())
	return nil
}

// TenantFilter restricts tenant-scoped reads. The zero value matches every tenant.
type TenantFilter struct {
	tenantID string
}

// TenantFilterFor returns the filter for p: unrestricted when p bypasses tenant checks,
// exact tenant match otherwise. An unauthenticated principal gets a filter that matches nothing.
func TenantFilterFor(p *Principal) TenantFilter {
	if p.IsAuthenticated() && p.BypassesChecks() {
		return TenantFilter{}
	}
	if !p.IsAuthenticated() || p.TenantID() == "" {
		return TenantFilter{tenantID: denyAllTenant}
	}
	return TenantFilter{tenantID: p.TenantID()}
}

// denyAllTenant cannot pass ValidateTenantID, so no stored record carries it.
const denyAllTenant = "\x00"

// Unrestricted reports whether the filter matches every tenant.
func (f TenantFilter) Unrestricted() bool {
	return f.tenantID == ""
}

// TenantID returns the tenant the filter is bound to; empty when unrestricted.
func (f TenantFilter) TenantID() string {
	return f.tenantID
}

// Matches reports whether a record tagged tenantID passes the filter.
func (f TenantFilter) Matches(tenantID string) bool {
	return f.Unrestricted() || f.tenantID == tenantID
}

// SQL returns a WHERE fragment and its arguments for column using placeholder $argIndex.
// An unrestricted filter yields "TRUE" and no arguments.
func (f TenantFilter) SQL(column string, argIndex int) (string, []any) {
	if f.Unrestricted() {
		return "TRUE", nil
	}
	return fmt.Sprintf("%s = $%d", column, argIndex), []any{f.tenantID}
}

// ApplyTenantFilter returns the records that pass f, preserving order.
func ApplyTenantFilter[T TenantScoped](f TenantFilter, records []T) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if f.Matches(r.GetTenantID()) {
			out = append(out, r)
		}
	}
	return out
}
