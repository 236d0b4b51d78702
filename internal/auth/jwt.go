package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/errs"
)

type ctxKey string

const ctxPrincipal ctxKey = "principal"

// Middleware creates HTTP middleware that authenticates the request.
// Supports two modes:
// 1. Production: Bearer token verified against the issuer's JWKS
// 2. Development: X-Debug-Sub header (ONLY when devMode=true)
func Middleware(v *Verifier, devMode bool) func(http.Handler) http.Handler {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass token verification")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""

			// Development mode: accept X-Debug-Sub ONLY if devMode is enabled and no token present
			if devMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				if v == nil {
					errs.WriteHTTP(w, errs.New(errs.CodeTokenInvalid, "token verification is not configured"))
					return
				}
				claims, err := v.Verify(r.Context(), tok)
				if err != nil {
					log.Warn().Err(err).Msg("token verification failed")
					errs.WriteHTTP(w, err)
					return
				}
				sub = claims.Subject
			}

			if sub == "" {
				errs.WriteHTTP(w, errs.New(errs.CodeTokenInvalid, "missing bearer token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), sub)))
		})
	}
}

// WithPrincipal returns ctx carrying the authenticated principal id.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, ctxPrincipal, principalID)
}

// Principal extracts the authenticated principal id from request context.
// Returns empty string if not authenticated (should never happen after middleware).
func Principal(ctx context.Context) string {
	if s, ok := ctx.Value(ctxPrincipal).(string); ok {
		return s
	}
	return ""
}
