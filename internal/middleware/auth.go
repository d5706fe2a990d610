// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fusion-data/bridge/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

var (
	errMissingHeader = errors.New("missing authorization header")
	errHeaderFormat  = errors.New("invalid authorization header format")
	errInvalidToken  = errors.New("invalid token")
)

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingHeader
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errHeaderFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// ParsePrincipal validates an HS256 token and returns its principal.
// Expired tokens are rejected.
func ParsePrincipal(tokenString, jwtSecret string) (auth.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return auth.Principal{}, errInvalidToken
	}

	p := auth.Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
		Token:  tokenString,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := BearerToken(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}

			p, err := ParsePrincipal(tokenString, jwtSecret)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}

			noteUser(r, p.UserID)
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// GetUserID gets the authenticated user ID from the request context.
func GetUserID(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p.UserID
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
