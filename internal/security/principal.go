package security

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// PrincipalParams holds the inputs for NewPrincipal. Slices and maps are copied.
type PrincipalParams struct {
	UserID          string
	DisplayName     string
	Email           string
	TenantID        string
	SessionID       string
	IPAddress       string
	UserAgent       string
	Roles           []string
	Permissions     []string
	Claims          map[string]string
	AuthenticatedAt time.Time
	ExpiresAt       *time.Time
	IsSystemUser    bool
}

// Principal is the authenticated identity and authorization snapshot for one request.
// It is immutable after construction: accessors return copies.
type Principal struct {
	userID          string
	displayName     string
	email           string
	tenantID        string
	sessionID       string
	ipAddress       string
	userAgent       string
	roles           map[string]struct{}
	permissions     map[string]struct{}
	claims          map[string]string
	authenticatedAt time.Time
	expiresAt       *time.Time
	systemUser      bool
}

// NewPrincipal builds a Principal. Effective permissions are the explicit permissions plus
// every permission the catalog grants to the given roles.
func NewPrincipal(p PrincipalParams) *Principal {
	pr := &Principal{
		userID:          p.UserID,
		displayName:     p.DisplayName,
		email:           p.Email,
		tenantID:        p.TenantID,
		sessionID:       p.SessionID,
		ipAddress:       p.IPAddress,
		userAgent:       p.UserAgent,
		roles:           make(map[string]struct{}, len(p.Roles)),
		permissions:     make(map[string]struct{}, len(p.Permissions)),
		claims:          maps.Clone(p.Claims),
		authenticatedAt: p.AuthenticatedAt,
		systemUser:      p.IsSystemUser,
	}
	if pr.claims == nil {
		pr.claims = map[string]string{}
	}
	if pr.authenticatedAt.IsZero() {
		pr.authenticatedAt = time.Now().UTC()
	}
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		pr.expiresAt = &exp
	}
	for _, r := range p.Roles {
		if r == "" {
			continue
		}
		pr.roles[r] = struct{}{}
		for _, perm := range rolePermissions[r] {
			pr.permissions[perm] = struct{}{}
		}
	}
	for _, perm := range p.Permissions {
		if perm != "" {
			pr.permissions[perm] = struct{}{}
		}
	}
	return pr
}

// SystemPrincipal returns a principal for background work. It bypasses permission and
// tenant checks; reason is recorded as a claim for attribution.
func SystemPrincipal(tenantID, reason string) *Principal {
	return NewPrincipal(PrincipalParams{
		UserID:       "system",
		DisplayName:  "System",
		TenantID:     tenantID,
		Roles:        []string{RoleSystemAdmin},
		Claims:       map[string]string{"system_reason": reason},
		IsSystemUser: true,
	})
}

func (p *Principal) UserID() string             { return p.userID }
func (p *Principal) DisplayName() string        { return p.displayName }
func (p *Principal) Email() string              { return p.email }
func (p *Principal) TenantID() string           { return p.tenantID }
func (p *Principal) SessionID() string          { return p.sessionID }
func (p *Principal) IPAddress() string          { return p.ipAddress }
func (p *Principal) UserAgent() string          { return p.userAgent }
func (p *Principal) AuthenticatedAt() time.Time { return p.authenticatedAt }
func (p *Principal) IsSystemUser() bool         { return p.systemUser }

// ExpiresAt returns the expiry time, if any.
func (p *Principal) ExpiresAt() (time.Time, bool) {
	if p.expiresAt == nil {
		return time.Time{}, false
	}
	return *p.expiresAt, true
}

// IsAuthenticated reports whether the principal carries a user id.
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.userID != ""
}

// IsExpired reports whether the principal has expired at now. A principal without an
// expiry never expires.
func (p *Principal) IsExpired(now time.Time) bool {
	return p.expiresAt != nil && !now.Before(*p.expiresAt)
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, p.HasRole)
}

// HasPermission reports whether the principal holds perm, explicitly or through a role.
func (p *Principal) HasPermission(perm string) bool {
	_, ok := p.permissions[perm]
	return ok
}

// IsSystemAdmin reports whether the principal holds the system admin permission.
func (p *Principal) IsSystemAdmin() bool {
	return p.HasPermission(PermSystemAdmin)
}

// BypassesChecks reports whether the principal skips permission and tenant checks.
// Both the system user flag and the system admin permission trigger the bypass.
func (p *Principal) BypassesChecks() bool {
	return p.systemUser || p.IsSystemAdmin()
}

// Roles returns the principal's roles, sorted.
func (p *Principal) Roles() []string {
	return sortedKeys(p.roles)
}

// Permissions returns the effective permissions, sorted.
func (p *Principal) Permissions() []string {
	return sortedKeys(p.permissions)
}

// Claim returns the value of a claim.
func (p *Principal) Claim(name string) (string, bool) {
	v, ok := p.claims[name]
	return v, ok
}

// Claims returns a copy of all claims.
func (p *Principal) Claims() map[string]string {
	return maps.Clone(p.claims)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
