package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims is returned when the token claims are invalid
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims represents the JWT claims of a chat session token
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// JWTConfig holds configuration for JWT token generation and validation
type JWTConfig struct {
	Secret        string
	Expiry        time.Duration
	Issuer        string
	SigningMethod jwt.SigningMethod
}

// DefaultJWTConfig returns a default JWT configuration
func DefaultJWTConfig(secret string) *JWTConfig {
	return &JWTConfig{
		Secret:        secret,
		Expiry:        24 * time.Hour,
		Issuer:        "instchat",
		SigningMethod: jwt.SigningMethodHS256,
	}
}

// JWTManager handles JWT token generation and validation
type JWTManager struct {
	config *JWTConfig
}

// NewJWTManager creates a new JWT manager with the given configuration
func NewJWTManager(config *JWTConfig) *JWTManager {
	if config.SigningMethod == nil {
		config.SigningMethod = jwt.SigningMethodHS256
	}
	return &JWTManager{config: config}
}

// GenerateToken generates a token granting access to one session
func (m *JWTManager) GenerateToken(sessionID uuid.UUID) (string, error) {
	return m.GenerateTokenWithExpiry(sessionID, m.config.Expiry)
}

// GenerateTokenWithExpiry generates a session token with a custom expiry duration
func (m *JWTManager) GenerateTokenWithExpiry(sessionID uuid.UUID, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    m.config.Issuer,
			Subject:   sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		SessionID: sessionID.String(),
	}

	token := jwt.NewWithClaims(m.config.SigningMethod, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// ValidateToken validates a JWT token and returns the claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, m.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

// GetSessionID extracts the session ID from claims
func (c *Claims) GetSessionID() (uuid.UUID, error) {
	return uuid.Parse(c.SessionID)
}

// RefreshToken creates a new token based on an existing token that is
// valid or merely expired
func (m *JWTManager) RefreshToken(tokenString string) (string, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		if !errors.Is(err, ErrExpiredToken) {
			return "", err
		}
		// Re-parse to get the claims even if expired
		token, _ := jwt.ParseWithClaims(tokenString, &Claims{}, m.keyFunc, jwt.WithoutClaimsValidation())
		if token == nil || !token.Valid {
			return "", ErrInvalidToken
		}
		var ok bool
		claims, ok = token.Claims.(*Claims)
		if !ok {
			return "", ErrInvalidClaims
		}
	}

	sessionID, err := claims.GetSessionID()
	if err != nil {
		return "", fmt.Errorf("invalid session ID in claims: %w", err)
	}

	return m.GenerateToken(sessionID)
}

func (m *JWTManager) keyFunc(token *jwt.Token) (any, error) {
	if token.Method.Alg() != m.config.SigningMethod.Alg() {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(m.config.Secret), nil
}

// BearerToken returns the token from the request's Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

// RequireSessionToken returns chi middleware that requires a bearer token
// whose session matches the {param} route parameter.
// A nil manager disables the check.
func RequireSessionToken(m *JWTManager, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := BearerToken(r)
			if !ok {
				http.Error(w, "missing session token", http.StatusUnauthorized)
				return
			}

			claims, err := m.ValidateToken(raw)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			if claims.Subject != chi.URLParam(r, param) {
				http.Error(w, "token does not grant access to this session", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
