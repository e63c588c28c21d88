package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/mediaqueue/orchestrator/internal/model"
)

// Identity is the authenticated caller of a request: who they are and
// whether they hold the admin role (spec.md §3 RBAC). Session/cookie
// verification itself is out of scope per spec.md §1 ("core calls
// [auth] through small interfaces"); Authenticator is the seam a real
// session store plugs into.
type Identity struct {
	UserID  int64
	IsAdmin bool
}

func (id Identity) Role() model.Role {
	if id.IsAdmin {
		return model.RoleAdmin
	}
	return model.RoleUser
}

// Authenticator resolves the caller of an inbound request. Returning a
// non-nil error means the request is unauthenticated and should be
// rejected with 401.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator is the no-op test double spec.md §1/§6 expects:
// it trusts an upstream-verified `X-User-Id` / `X-User-Role` header
// pair instead of validating a session cookie itself, matching how the
// admin API's own auth middleware treats a pre-validated bearer claim
// (internal/admin-api/middleware.go's validateJWT) as already
// authoritative once parsed. A production deployment replaces this
// with a real session-store-backed Authenticator; nothing else in this
// package depends on the concrete type.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	uidHeader := r.Header.Get("X-User-Id")
	if uidHeader == "" {
		return Identity{}, errUnauthenticated
	}
	uid, err := strconv.ParseInt(uidHeader, 10, 64)
	if err != nil {
		return Identity{}, errUnauthenticated
	}
	isAdmin := r.Header.Get("X-User-Role") == string(model.RoleAdmin)
	return Identity{UserID: uid, IsAdmin: isAdmin}, nil
}

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
