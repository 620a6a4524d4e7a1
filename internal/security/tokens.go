package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/apperrors"
)

var (
	// ErrTokenExpired is returned when a token's exp is past, beyond the clock skew.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed is returned when a token cannot be decoded.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenSignature is returned when a token's signature does not verify.
	ErrTokenSignature = errors.New("token signature invalid")
	// ErrTokenInvalid is returned for every other validation failure (issuer, audience, alg, nbf).
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTenantMismatch is returned when the caller's tenant differs from the token-bound tenant.
	ErrTenantMismatch = errors.New("tenant does not match token")
	// ErrTenantRequired is returned when neither the caller nor the token supplies a tenant.
	ErrTenantRequired = errors.New("tenant id required")
)

// DefaultClockSkew is the exp/nbf tolerance used when none is configured.
const DefaultClockSkew = time.Minute

// reservedClaims cannot be set through extra claims.
var reservedClaims = map[string]struct{}{
	"sub": {}, "name": {}, "email": {}, "tid": {}, "sid": {},
	"iat": {}, "nbf": {}, "exp": {}, "iss": {}, "aud": {}, "jti": {},
	"roles": {}, "permissions": {},
}

// TokenClaims holds the JWT claims of an access token. Extra carries caller-supplied claims.
type TokenClaims struct {
	jwt.RegisteredClaims
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	TenantID    string         `json:"tid,omitempty"`
	SessionID   string         `json:"sid,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Extra       map[string]any `json:"-"`
}

// tokenClaimsJSON has the same fields as TokenClaims without its JSON methods.
type tokenClaimsJSON TokenClaims

// MarshalJSON writes the registered and named claims, then any non-reserved extra claims.
func (c TokenClaims) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(tokenClaimsJSON(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, reserved := reservedClaims[k]; !reserved {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the named claims and collects every other claim into Extra.
func (c *TokenClaims) UnmarshalJSON(data []byte) error {
	var base tokenClaimsJSON
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*c = TokenClaims(base)
	for k, v := range all {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return nil
}

// ValidationResult is the outcome of Validate. Err is set iff Valid is false.
type ValidationResult struct {
	Valid  bool
	Claims *TokenClaims
	Err    error
}

// TokenConfig configures a TokenService. Secret is the already-loaded HS256 secret.
type TokenConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	AccessTTL time.Duration
	ClockSkew time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

// TokenService issues and validates HS256 access tokens that encode a Principal.
type TokenService struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	skew      time.Duration
	now       func() time.Time
	logger    *zap.Logger
	parser    *jwt.Parser
}

// NewTokenService returns a TokenService. It fails with apperrors.ErrConfiguration when the
// issuer, audience or secret is empty, or the secret is shorter than MinSecretLength.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, apperrors.Configuration("token issuer must be set")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, apperrors.Configuration("token audience must be set")
	}
	if cfg.Secret == "" {
		return nil, apperrors.Configuration("token secret must be set")
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, apperrors.Configuration("token secret must be at least %d characters", MinSecretLength)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &TokenService{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		accessTTL: cfg.AccessTTL,
		skew:      cfg.ClockSkew,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	)
	return s, nil
}

// AccessTTL returns the default token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// Issue signs a token for p with the default lifetime.
func (s *TokenService) Issue(p *Principal, extraClaims map[string]any) (string, error) {
	return s.IssueWithTTL(p, extraClaims, s.accessTTL)
}

// IssueWithTTL signs a token for p that expires ttl from now. Reserved claim names in
// extraClaims are ignored.
func (s *TokenService) IssueWithTTL(p *Principal, extraClaims map[string]any, ttl time.Duration) (string, error) {
	if !p.IsAuthenticated() {
		return "", apperrors.InvalidArgument("principal", "must be authenticated")
	}
	if ttl <= 0 {
		return "", apperrors.InvalidArgument("ttl", "must be positive")
	}
	now := s.now().UTC().Truncate(time.Second)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.UserID(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:        p.DisplayName(),
		Email:       p.Email(),
		TenantID:    p.TenantID(),
		SessionID:   p.SessionID(),
		Roles:       p.Roles(),
		Permissions: p.Permissions(),
		Extra:       extraClaims,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Validate checks the token's signature, algorithm, issuer, audience and expiry. It never
// panics; failures are reported in the result.
func (s *TokenService) Validate(tokenString string) ValidationResult {
	claims := &TokenClaims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err == nil && (token == nil || !token.Valid) {
		err = ErrTokenInvalid
	}
	if err != nil {
		classified := classifyTokenError(err)
		s.logger.Debug("token rejected",
			zap.String("fingerprint", TokenFingerprint(tokenString)),
			zap.Error(classified),
		)
		return ValidationResult{Err: classified}
	}
	return ValidationResult{Valid: true, Claims: claims}
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, ErrTokenInvalid):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrTokenSignature, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
}

// ExtractClaimsUnverified decodes the claims without checking the signature or any claim.
// For diagnostics only; the result must never feed an authorization decision.
func ExtractClaimsUnverified(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	return claims, nil
}

// PrincipalOptions carries request attributes that are not part of the token.
type PrincipalOptions struct {
	IPAddress string
	UserAgent string
}

// PrincipalFromValidation builds a Principal from a successful validation. The tenant comes
// from the caller: when the token also carries a tenant, the two must agree. When the caller
// passes no tenant the token-bound tenant is used; when neither exists it fails.
func PrincipalFromValidation(res ValidationResult, tenantID string, opts PrincipalOptions) (*Principal, error) {
	if !res.Valid || res.Claims == nil {
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, ErrTokenInvalid
	}
	c := res.Claims
	switch {
	case tenantID == "" && c.TenantID == "":
		return nil, ErrTenantRequired
	case tenantID == "":
		tenantID = c.TenantID
	case c.TenantID != "" && c.TenantID != tenantID:
		return nil, ErrTenantMismatch
	}
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	claims := make(map[string]string, len(c.Extra)+2)
	for k, v := range c.Extra {
		if s, ok := v.(string); ok {
			claims[k] = s
			continue
		}
		claims[k] = fmt.Sprint(v)
	}
	claims["iss"] = c.Issuer
	if c.ID != "" {
		claims["jti"] = c.ID
	}

	params := PrincipalParams{
		UserID:      c.Subject,
		DisplayName: c.Name,
		Email:       c.Email,
		TenantID:    tenantID,
		SessionID:   c.SessionID,
		IPAddress:   opts.IPAddress,
		UserAgent:   opts.UserAgent,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		Claims:      claims,
	}
	if c.IssuedAt != nil {
		params.AuthenticatedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.Time
		params.ExpiresAt = &exp
	}
	return NewPrincipal(params), nil
}
