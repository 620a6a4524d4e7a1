package security

import "time"

// Test signing settings for unit tests only. Do not use in production.
const (
	TestSecret   = "test-secret-0123456789abcdef-0123456789"
	TestIssuer   = "test-issuer"
	TestAudience = "test-audience"
)

// NewTestTokenService returns a TokenService using the test secret, a 15 minute lifetime and
// the default clock skew. For unit tests only.
func NewTestTokenService() (*TokenService, error) {
	return NewTokenService(TokenConfig{
		Secret:    TestSecret,
		Issuer:    TestIssuer,
		Audience:  TestAudience,
		AccessTTL: 15 * time.Minute,
		ClockSkew: DefaultClockSkew,
	})
}

// NewTestPrincipal returns an authenticated principal in tenantID holding roles. For unit tests only.
func NewTestPrincipal(userID, tenantID string, roles ...string) *Principal {
	return NewPrincipal(PrincipalParams{
		UserID:      userID,
		DisplayName: "Test " + userID,
		Email:       userID + "@example.test",
		TenantID:    tenantID,
		Roles:       roles,
	})
}
