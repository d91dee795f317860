package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/chaterr"
)

type contextKey string

const PrincipalKey contextKey = "principal"

// Verifier resolves a bearer token to the principal it was issued for.
type Verifier interface {
	Verify(token string) (auth.Principal, error)
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the principal in the request context. Browsers cannot set headers on a
// websocket handshake, so an access_token query parameter is accepted too.
func AuthMiddleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteError(w, chaterr.New(chaterr.KindAuth, "", "missing token"))
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				WriteError(w, chaterr.New(chaterr.KindAuth, "", "invalid token"))
				return
			}
			ctx := context.WithValue(r.Context(), PrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the principal AuthMiddleware stored in ctx.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(auth.Principal)
	return p, ok
}

// BearerToken returns the token the request authenticates with, or "".
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// WriteError answers with the status for err's kind and an auth.ErrorBody.
func WriteError(w http.ResponseWriter, err error) {
	kind := chaterr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(auth.StatusFor(kind))
	_ = json.NewEncoder(w).Encode(auth.ErrorBody{Error: kind.String(), Message: chaterr.Message(err)})
}
