package aeko

import (
	"context"
	"net/http"
	"strings"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
	"github.com/MilliHub-dev/Aeko-backend-sub001/pkg/router"
)

type identityCtxKey struct{}

// IdentityFromRequest returns the authenticated identity set by
// BearerMiddleware, or nil when the request is unauthenticated.
func IdentityFromRequest(r *http.Request) *core.Identity {
	identity, _ := r.Context().Value(identityCtxKey{}).(*core.Identity)
	return identity
}

// BearerMiddleware authenticates requests with an Authorization bearer token,
// the same credential the websocket handshake consumes.
func BearerMiddleware(ident core.IdentityPort) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return router.NewJsonError(http.StatusUnauthorized, "missing bearer token")
			}
			identity, err := ident.Verify(r.Context(), token)
			if err != nil {
				return router.NewJsonError(http.StatusUnauthorized, "invalid bearer token")
			}
			ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
			return nil
		}
	}
}
