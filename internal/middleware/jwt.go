package myMiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"division-chat/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// Authenticator resolves a raw bearer token. It never errors; false means
// the caller is not authenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (auth.Identity, bool)
}

type AuthMiddleware struct {
	authn Authenticator
}

func NewAuthMiddleware(a Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authn: a}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			unauthorized(w, "Authentication credentials were not provided.")
			return
		}

		id, ok := am.authn.Authenticate(r.Context(), tokenString)
		if !ok {
			unauthorized(w, "Given token not valid.")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to ?token=.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Fields(authHeader)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
