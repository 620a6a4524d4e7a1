package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Metadata keys read from incoming requests.
const (
	authorizationKey = "authorization"
	// TenantIDKey carries the tenant the caller acts in.
	TenantIDKey  = "x-tenant-id"
	userAgentKey = "user-agent"
)

// metadataValue returns the first trimmed value of key in the incoming metadata, or "".
func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// TenantID returns the x-tenant-id metadata value, or "".
func TenantID(ctx context.Context) string {
	return metadataValue(ctx, TenantIDKey)
}

// UserAgent returns the user-agent metadata value, or "".
func UserAgent(ctx context.Context) string {
	return metadataValue(ctx, userAgentKey)
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if s := metadataValue(ctx, "x-forwarded-for"); s != "" {
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		return s
	}
	if s := metadataValue(ctx, "x-real-ip"); s != "" {
		return s
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
