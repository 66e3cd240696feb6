// Package auth provides API key and session token authentication for the
// HTTP and gRPC transports.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// APIKeyHeader is the metadata key (and HTTP header) for API key authentication
	APIKeyHeader = "x-api-key"
)

// APIKeyInterceptor validates a single shared API key.
// An interceptor with an empty key lets every request through.
type APIKeyInterceptor struct {
	apiKey      string
	skipMethods map[string]bool
}

// NewAPIKeyInterceptor creates a new API key interceptor
func NewAPIKeyInterceptor(apiKey string) *APIKeyInterceptor {
	return &APIKeyInterceptor{
		apiKey: apiKey,
		skipMethods: map[string]bool{
			// Health check endpoints
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
		},
	}
}

// WithSkipMethods adds methods to skip authentication
func (i *APIKeyInterceptor) WithSkipMethods(methods ...string) *APIKeyInterceptor {
	for _, method := range methods {
		i.skipMethods[method] = true
	}
	return i
}

// Enabled reports whether a key is configured.
func (i *APIKeyInterceptor) Enabled() bool {
	return i.apiKey != ""
}

// UnaryInterceptor returns a gRPC unary interceptor for API key validation
func (i *APIKeyInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !i.Enabled() || i.skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		if err := i.check(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for API key validation
func (i *APIKeyInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !i.Enabled() || i.skipMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		if err := i.check(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Middleware returns HTTP middleware that requires the X-API-Key header.
// Paths listed in skip are served without a key.
func (i *APIKeyInterceptor) Middleware(skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !i.Enabled() || skipped[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}
			if !i.valid(key) {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (i *APIKeyInterceptor) check(ctx context.Context) error {
	apiKey, err := extractAPIKey(ctx)
	if err != nil {
		return err
	}
	if !i.valid(apiKey) {
		return status.Error(codes.Unauthenticated, "invalid API key")
	}
	return nil
}

func (i *APIKeyInterceptor) valid(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(i.apiKey)) == 1
}

// extractAPIKey extracts the API key from gRPC metadata
func extractAPIKey(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(APIKeyHeader)
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing API key")
	}

	apiKey := strings.TrimSpace(values[0])
	if apiKey == "" {
		return "", status.Error(codes.Unauthenticated, "empty API key")
	}

	return apiKey, nil
}
