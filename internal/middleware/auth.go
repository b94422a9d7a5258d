package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/httputil"
	"github.com/deskrelay/relay-server-go/internal/service"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

func GetPrincipal(ctx context.Context) (service.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(service.Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p service.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// Authenticator resolves a bearer token to the owner it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (service.Principal, error)
}

type AuthMiddleware struct {
	auth Authenticator
}

func NewAuthMiddleware(auth Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.auth.Authenticate(r.Context(), ExtractToken(r))
		if err != nil {
			if !apperrors.IsAuthError(err) {
				log.Error().Err(err).Msg("auth middleware: lookup failed")
			}
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return r.URL.Query().Get("token")
}
