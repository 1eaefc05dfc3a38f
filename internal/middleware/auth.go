package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	OperatorIDKey contextKey = "operator_id"
	agentKey      contextKey = "agent"
)

// Claims are the operator token claims. The subject is the operator ID.
type Claims struct {
	StoreID string `json:"store_id,omitempty"`
	jwt.RegisteredClaims
}

// RequireAuth validates HMAC-signed operator tokens. An empty secret disables
// the check, which is how single-counter installations run.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwtSecret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(w, r)
			if !ok {
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				writeAuthError(w, "invalid token", "auth_invalid")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorID returns the authenticated operator, if any.
func GetOperatorID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OperatorIDKey).(string)
	return id, ok && id != ""
}

// bearerToken extracts the token or writes the 401 itself.
func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeAuthError(w, "missing authorization header", "auth_required")
		return "", false
	}
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || token == "" {
		writeAuthError(w, "invalid authorization scheme", "auth_invalid_scheme")
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, msg, code string) {
	writeJSONError(w, http.StatusUnauthorized, msg, code)
}
