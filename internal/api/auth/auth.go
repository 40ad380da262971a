// Package auth issues and checks the service tokens of the internal call surface.
package auth

import (
	"commerce-assistant/internal/logger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// MinSecretLength is the shortest accepted signing secret
const MinSecretLength = 32

// Claims identify the calling service and the tenant it acts for
type Claims struct {
	Service  string `json:"service"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendError sends a standardized JSON error response
func SendError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := ErrorResponse{
		Code:    status,
		Message: message,
	}
	if err != nil {
		errResp.Error = err.Error()
	}
	json.NewEncoder(w).Encode(errResp)
}

// TokenService signs and validates HS256 service tokens
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService. The secret must be at least MinSecretLength bytes.
func NewTokenService(secret []byte, ttl time.Duration) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("JWT secret must be at least %d characters (current length: %d)", MinSecretLength, len(secret))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{secret: secret, ttl: ttl, now: time.Now}, nil
}

func (s *TokenService) GenerateToken(service, tenantID string) (string, error) {
	now := s.now()
	claims := Claims{
		Service:  service,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.TenantID == "" {
			return nil, errors.New("token has no tenant_id claim")
		}
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context
func (s *TokenService) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			SendError(w, http.StatusUnauthorized, "Missing authorization header", nil)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			SendError(w, http.StatusUnauthorized, "Invalid authorization header format", nil)
			return
		}

		claims, err := s.ValidateToken(bearerToken[1])
		if err != nil {
			logger.ForComponent("auth").WithError(err).Warn("Rejected service token")
			SendError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return c, ok
}
