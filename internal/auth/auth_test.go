package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAPIKeyMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		path   string
		want   int
	}{
		{name: "disabled", key: "", path: "/v1/limits", want: http.StatusNoContent},
		{name: "missing", key: "secret", path: "/v1/limits", want: http.StatusUnauthorized},
		{name: "wrong", key: "secret", header: "nope", path: "/v1/limits", want: http.StatusUnauthorized},
		{name: "valid", key: "secret", header: "secret", path: "/v1/limits", want: http.StatusNoContent},
		{name: "skipped path", key: "secret", path: "/healthz", want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAPIKeyInterceptor(tt.key).Middleware("/healthz")(okHandler())
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyUnaryInterceptor(t *testing.T) {
	interceptor := NewAPIKeyInterceptor("secret").UnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/Generate"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	tests := []struct {
		name string
		ctx  context.Context
		code codes.Code
	}{
		{name: "no metadata", ctx: context.Background(), code: codes.Unauthenticated},
		{name: "wrong key", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(APIKeyHeader, "nope")), code: codes.Unauthenticated},
		{name: "valid key", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(APIKeyHeader, "secret")), code: codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interceptor(tt.ctx, nil, info, handler)
			if got := status.Code(err); got != tt.code {
				t.Errorf("code = %v, want %v", got, tt.code)
			}
		})
	}

	skipped := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), nil, skipped, handler); err != nil {
		t.Errorf("health check should skip auth: %v", err)
	}
}

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("test-secret"))
	id := uuid.New()

	token, err := m.GenerateToken(id)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	got, err := claims.GetSessionID()
	if err != nil || got != id {
		t.Errorf("session id = %v, %v; want %v", got, err, id)
	}
	if claims.Subject != id.String() {
		t.Errorf("subject = %q", claims.Subject)
	}
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("test-secret"))
	other := NewJWTManager(DefaultJWTConfig("other-secret"))
	id := uuid.New()

	expired, _ := m.GenerateTokenWithExpiry(id, -time.Minute)
	if _, err := m.ValidateToken(expired); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}

	foreign, _ := other.GenerateToken(id)
	if _, err := m.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	if _, err := m.ValidateToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTManager_RefreshExpired(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("test-secret"))
	id := uuid.New()

	expired, _ := m.GenerateTokenWithExpiry(id, -time.Minute)
	fresh, err := m.RefreshToken(expired)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	claims, err := m.ValidateToken(fresh)
	if err != nil {
		t.Fatalf("refreshed token invalid: %v", err)
	}
	if claims.SessionID != id.String() {
		t.Errorf("session id = %q", claims.SessionID)
	}

	foreign, _ := NewJWTManager(DefaultJWTConfig("other")).GenerateTokenWithExpiry(id, -time.Minute)
	if _, err := m.RefreshToken(foreign); err == nil {
		t.Error("expected error refreshing a token signed with another secret")
	}
}

func TestRequireSessionToken(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("test-secret"))
	id := uuid.New()
	token, _ := m.GenerateToken(id)
	otherToken, _ := m.GenerateToken(uuid.New())

	r := chi.NewRouter()
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Use(RequireSessionToken(m, "id"))
		r.Get("/", okHandler().ServeHTTP)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "malformed", header: "Bearer junk", want: http.StatusUnauthorized},
		{name: "other session", header: "Bearer " + otherToken, want: http.StatusForbidden},
		{name: "valid", header: "Bearer " + token, want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sessions/"+id.String()+"/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
