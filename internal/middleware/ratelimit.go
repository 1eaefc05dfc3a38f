package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit limits requests per minute. Without key funcs the client IP is the key.
func RateLimit(requestsPerMinute int, keyFuncs ...httprate.KeyFunc) func(http.Handler) http.Handler {
	if len(keyFuncs) == 0 {
		keyFuncs = []httprate.KeyFunc{httprate.KeyByIP}
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(keyFuncs...),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit")
		}),
	)
}

// KeyByBearer keys on the presented credential so agents behind one NAT get
// separate budgets. The token is hashed before it is used as a map key.
func KeyByBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return httprate.KeyByIP(r)
	}
	sum := sha256.Sum256([]byte(auth))
	return hex.EncodeToString(sum[:8]), nil
}
