// Package filter holds the per-request authentication gate. It only ever
// populates-or-not the request identity; rejecting requests that demand
// authentication is the route's own concern (see Require).
package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sebastianhamm/kapelle-auth/internal/authz"
	"github.com/sebastianhamm/kapelle-auth/internal/domain/principal"
	"github.com/sebastianhamm/kapelle-auth/internal/token"
)

// Identity is the authenticated request principal exposed to downstream
// handlers. Roles are read fresh from the store at request time, not taken
// from the token snapshot, so role changes apply without re-login.
type Identity struct {
	ID    int64
	Email string
	Roles []string
}

type ctxKey int

const identityKey ctxKey = 1

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

type AuthFilter struct {
	log          *zap.Logger
	validator    token.Validator
	principals   principal.Repo
	accessCookie string
}

func New(validator token.Validator, principals principal.Repo, accessCookieName string, log *zap.Logger) *AuthFilter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthFilter{
		log:          log.With(zap.String("component", "auth.filter")),
		validator:    validator,
		principals:   principals,
		accessCookie: accessCookieName,
	}
}

// Middleware resolves the request credential into an identity. Any failure
// degrades to an unauthenticated request; nothing here blocks the pipeline.
func (f *AuthFilter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := f.resolve(r); id != nil {
			r = r.WithContext(context.WithValue(r.Context(), identityKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

func (f *AuthFilter) resolve(r *http.Request) (id *Identity) {
	defer func() {
		if rec := recover(); rec != nil {
			f.log.Error("panic during token validation", zap.Any("panic", rec))
			id = nil
		}
	}()

	raw := extractToken(r, f.accessCookie)
	if raw == "" {
		return nil
	}

	cl, err := f.validator.Validate(raw, "")
	if err != nil {
		f.log.Debug("token rejected", zap.Error(err))
		return nil
	}
	// Only access tokens authenticate requests; a refresh token presented
	// here is worthless.
	if cl.Purpose != "" && cl.Purpose != token.PurposeAccess {
		f.log.Debug("token rejected", zap.String("purpose", cl.Purpose))
		return nil
	}

	p, err := f.principals.GetByEmail(r.Context(), cl.Subject)
	if err != nil {
		f.log.Warn("principal lookup failed", zap.String("subject", cl.Subject), zap.Error(err))
		return nil
	}
	if !p.Active() {
		f.log.Debug("principal inactive", zap.String("subject", cl.Subject))
		return nil
	}

	return &Identity{ID: p.ID, Email: p.Email, Roles: p.Roles}
}

// extractToken prefers the Authorization header over the access cookie.
func extractToken(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

// Require rejects requests lacking an identity with one of the given roles.
// An empty role list demands authentication only.
func Require(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeDenied(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !authz.HasAnyRole(id.Roles, roles) {
				writeDenied(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDenied(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
