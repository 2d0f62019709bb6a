package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims defines the JWT claims structure.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// ScopeOperator is granted to tokens that may trigger and download backups.
const ScopeOperator = "backup:operate"

type contextKey string

// ClaimsKey is the context key for validated claims.
const ClaimsKey = contextKey("claims")

// Authenticator issues and checks HS256 tokens with a fixed secret.
type Authenticator struct {
	key []byte
	now func() time.Time
}

// NewAuthenticator returns nil when secret is empty, which disables auth.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{key: []byte(secret), now: time.Now}
}

// GenerateToken creates a token for subject valid for ttl.
func (a *Authenticator) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("authentication is not configured")
	}
	now := a.now()
	claims := &Claims{
		Scope: ScopeOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key)
}

// Validate parses and validates a JWT string.
func (a *Authenticator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Scope != ScopeOperator {
		return nil, fmt.Errorf("token scope %q not allowed", claims.Scope)
	}
	return claims, nil
}

// Middleware protects routes. A nil Authenticator lets every request through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string

		// Header first, then the query string for websocket clients.
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			tokenStr = strings.TrimPrefix(authHeader, "Bearer ")
			if tokenStr == authHeader {
				tokenStr = ""
			}
		}
		if tokenStr == "" {
			tokenStr = r.URL.Query().Get("token")
		}
		if tokenStr == "" {
			http.Error(w, "Missing auth token", http.StatusUnauthorized)
			return
		}

		claims, err := a.Validate(tokenStr)
		if err != nil {
			http.Error(w, "Invalid auth token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		log.Debug().Str("subject", claims.Subject).Str("path", r.URL.Path).Msg("Authenticated request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
