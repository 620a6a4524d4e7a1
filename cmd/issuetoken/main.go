// issuetoken prints a signed access token for local development and smoke tests.
// Signing settings come from the same environment as the server (JWT_SECRET, JWT_ISSUER, ...).
//
//	go run ./cmd/issuetoken -user dev-1 -tenant tenant-a -roles clinician -ttl 30m
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthdata-platform/backend/internal/config"
	"healthdata-platform/backend/internal/logger"
	"healthdata-platform/backend/internal/security"
)

func main() {
	userID := flag.String("user", "dev-user", "Subject (user id)")
	tenantID := flag.String("tenant", "", "Tenant id (required)")
	roles := flag.String("roles", security.RoleClinician, "Comma-separated roles")
	email := flag.String("email", "", "Email claim")
	ttl := flag.Duration("ttl", 0, "Token lifetime; 0 uses JWT_ACCESS_TTL")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "issuetoken: -tenant is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = zl.Sync() }()

	secret, err := security.LoadSecret(cfg.JWTSecret)
	if err != nil {
		zl.Fatal("issuetoken: load secret", zap.Error(err))
	}
	tokens, err := security.NewTokenService(security.TokenConfig{
		Secret:    secret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		AccessTTL: cfg.AccessTTL(),
		ClockSkew: cfg.ClockSkew(),
		Logger:    zl,
	})
	if err != nil {
		zl.Fatal("issuetoken: token service", zap.Error(err))
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !security.KnownRole(r) {
			zl.Warn("issuetoken: role not in catalog; it grants no permissions", zap.String("role", r))
		}
		roleList = append(roleList, r)
	}

	p := security.NewPrincipal(security.PrincipalParams{
		UserID:          *userID,
		Email:           *email,
		TenantID:        *tenantID,
		SessionID:       uuid.NewString(),
		Roles:           roleList,
		AuthenticatedAt: time.Now().UTC(),
	})
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = tokens.AccessTTL()
	}
	token, err := tokens.IssueWithTTL(p, nil, lifetime)
	if err != nil {
		zl.Fatal("issuetoken: issue", zap.Error(err))
	}
	fmt.Println(token)
}
