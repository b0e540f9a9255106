package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/metrics"
)

// ScopeControl allows session-changing requests. Tokens without any scopes
// are treated as full access.
const ScopeControl = "control"

// Claims are the JWT claims accepted by the gateway.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator checks HMAC-signed tokens.
type Validator struct {
	secret []byte
}

// NewValidator returns a validator for secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// ValidateToken parses and validates a token string, including expiry.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("could not cast claims")
	}
	return claims, nil
}

// IssueToken signs a token for subject valid for ttl.
func IssueToken(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// tokenFrom reads a bearer token, falling back to the query parameter that
// browsers use for websocket upgrades.
func tokenFrom(r *http.Request, param string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(param)
}

// authenticate wraps next with token checks. Non-GET requests need
// ScopeControl.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r, s.cfg.TokenParam)
		if token == "" {
			metrics.AuthFailures.WithLabelValues("missing").Inc()
			writeErrorMessage(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := s.validator.ValidateToken(token)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("invalid").Inc()
			s.log.Debug("gateway: rejected token", "remote", r.RemoteAddr, "error", err)
			writeErrorMessage(w, http.StatusUnauthorized, "invalid authentication token")
			return
		}
		if r.Method != http.MethodGet && !claims.HasScope(ScopeControl) {
			metrics.AuthFailures.WithLabelValues("scope").Inc()
			writeErrorMessage(w, http.StatusForbidden, "token lacks control scope")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

type claimsKey struct{}

// canControl reports whether the request may change session state.
func (s *Server) canControl(r *http.Request) bool {
	if s.validator == nil {
		return true
	}
	claims, ok := r.Context().Value(claimsKey{}).(*Claims)
	return ok && claims.HasScope(ScopeControl)
}
