// Package auth trusts identity headers set by an authenticating gateway
// (Envoy, NGINX) in front of the scoring service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fractal-lba/creditscore/internal/api"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	scopesKey  contextKey = "scopes"
)

// Scopes granted by the gateway.
const (
	ScopeScore    = "score:write"
	ScopeHistory  = "history:read"
	ScopeClusters = "clusters:read"
)

// GatewayConfig names the headers the gateway sets after verifying a token.
type GatewayConfig struct {
	Enabled        bool
	VerifiedHeader string // Default: "X-Auth-Verified"
	SubjectHeader  string // Default: "X-User-ID"
	ScopesHeader   string // Default: "X-Scopes"
}

// DefaultGatewayConfig returns production defaults
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Enabled:        true,
		VerifiedHeader: "X-Auth-Verified",
		SubjectHeader:  "X-User-ID",
		ScopesHeader:   "X-Scopes",
	}
}

// Gateway rejects requests the gateway did not verify and binds the caller's
// subject and scopes to the request context.
func Gateway(config *GatewayConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultGatewayConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get(config.VerifiedHeader) != "true" {
				sendError(w, http.StatusUnauthorized, "unauthorized: token verification required at gateway")
				return
			}

			subject := r.Header.Get(config.SubjectHeader)
			if subject == "" {
				sendError(w, http.StatusUnauthorized, "unauthorized: missing subject claim")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			if scopes := parseScopes(r.Header.Get(config.ScopesHeader)); len(scopes) > 0 {
				ctx = context.WithValue(ctx, scopesKey, scopes)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects requests whose context lacks scope. It only applies
// when the gateway middleware is enabled.
func RequireScope(config *GatewayConfig, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config != nil && config.Enabled && !HasScope(r.Context(), scope) {
				sendError(w, http.StatusForbidden, "forbidden: missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseScopes accepts a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err == nil {
		return scopes
	}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// Subject returns the authenticated caller, if any.
func Subject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// HasScope reports whether the caller was granted scope.
func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := ctx.Value(scopesKey).([]string)
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	body, err := json.Marshal(api.FailureResponse(errors.New(message)))
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(append(body, '\n'))
}
