package httputil

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bissquit/usergate/internal/domain"
	"github.com/bissquit/usergate/internal/pkg/ctxlog"
)

// AccessTokenCookie is the cookie carrying the access token.
const AccessTokenCookie = "access_token"

// ErrInvalidToken marks a token that must be rejected: bad signature,
// malformed, expired, or issued for a user that no longer exists.
var ErrInvalidToken = errors.New("invalid token")

// Authentication and authorization failure messages.
const (
	MsgMissingToken      = "Missing token"
	MsgInvalidToken      = "Invalid token"
	MsgInsufficientRoles = "Forbidden, insufficient permission"
)

// CORSMiddleware creates CORS middleware that handles preflight requests
// and adds appropriate CORS headers to responses.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originsSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (originsSet[origin] || originsSet["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets conservative security headers on every response.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("X-DNS-Prefetch-Control", "off")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

type userContextKey struct{}

// WithUser attaches the authenticated user to ctx.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user, or nil if the request was
// not authenticated.
func UserFromContext(ctx context.Context) *domain.User {
	if user, ok := ctx.Value(userContextKey{}).(*domain.User); ok {
		return user
	}
	return nil
}

// TokenValidator resolves an access token to the user it was issued for.
// Errors wrapping ErrInvalidToken reject the request with 403; any other
// error is an internal failure.
type TokenValidator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// AuthMiddleware creates authentication middleware.
// The token is read from the access_token cookie, then from a bearer
// Authorization header.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				Error(w, http.StatusUnauthorized, MsgMissingToken)
				return
			}

			user, err := validator.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrInvalidToken) {
					Error(w, http.StatusForbidden, MsgInvalidToken)
					return
				}
				ctxlog.FromContext(r.Context()).Error("authenticate request", "error", err)
				Error(w, http.StatusInternalServerError, "Failed to authenticate: "+err.Error())
				return
			}
			if user == nil {
				Error(w, http.StatusForbidden, MsgInvalidToken)
				return
			}

			ctx := ctxlog.With(WithUser(r.Context(), user), "user_id", user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole creates RBAC middleware. The user's role must equal one of
// roles exactly; there is no role hierarchy.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	allowed := make(map[domain.Role]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				Error(w, http.StatusUnauthorized, MsgMissingToken)
				return
			}

			if !allowed[user.Role] {
				Error(w, http.StatusForbidden, MsgInsufficientRoles)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
