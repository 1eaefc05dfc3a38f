package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/rs/zerolog/log"
)

// AgentAuthenticator resolves an agent bearer token.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*agent.Agent, error)
}

// RequireAgent authenticates terminal agents and stores the agent on the context.
func RequireAgent(auth AgentAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(w, r)
			if !ok {
				return
			}

			a, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, domainErrors.ErrUnauthorized) {
					writeAuthError(w, "unknown agent token", "agent_unauthorized")
					return
				}
				log.Error().Err(err).Msg("agent authentication failed")
				writeJSONError(w, http.StatusInternalServerError, "internal server error", "internal_error")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), a)))
		})
	}
}

// WithAgent returns a context carrying a.
func WithAgent(ctx context.Context, a *agent.Agent) context.Context {
	return context.WithValue(ctx, agentKey, a)
}

// AgentFromContext returns the authenticated agent.
func AgentFromContext(ctx context.Context) (*agent.Agent, bool) {
	a, ok := ctx.Value(agentKey).(*agent.Agent)
	return a, ok
}
