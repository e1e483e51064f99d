package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/config"
	"github.com/hazyhaar/tsdgate/kit"
)

type claimsKey struct{}

// Gate implements the Token Gate (C2): every request under /v1/{tenant}/...
// must carry a Bearer JWT whose requestor claim is trusted for the rest of
// the request, and whose tenant claim (when token_check_tenant is set) must
// match the path's tenant segment. Unlike the cookie-based web session this
// replaces, there is no silent pass-through: a missing or malformed header
// is rejected before any handler runs.
func Gate(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				apierr.UnauthorizedMissing("missing Authorization header").WriteJSON(w)
				return
			}
			if !strings.HasPrefix(header, "Bearer ") {
				apierr.UnauthorizedMalformed("Authorization header must be a Bearer token").WriteJSON(w)
				return
			}
			tokenStr := strings.TrimPrefix(header, "Bearer ")

			claims, err := ValidateToken([]byte(cfg.JWTSecret), tokenStr, !cfg.TokenCheckExp)
			if err != nil {
				apierr.UnauthorizedInvalid("token validation failed: " + err.Error()).WriteJSON(w)
				return
			}

			if cfg.TokenCheckTenant {
				pathTenant := chi.URLParam(r, "tenant")
				if pathTenant != "" && claims.Tenant != "" && claims.Tenant != pathTenant {
					apierr.BadTenant("token tenant claim does not match request path").WriteJSON(w)
					return
				}
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			ctx = kit.WithUserID(ctx, claims.Requestor)
			ctx = kit.WithRole(ctx, strings.Join(claims.Groups, ","))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims retrieves the Claims attached by Gate, or nil if absent.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}
