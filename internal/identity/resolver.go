package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"theoryboard/api/internal/rbac"
	"theoryboard/api/internal/store"
)

// Store is the slice of the datastore the resolver needs.
type Store interface {
	GetUserBySubject(ctx context.Context, subjectID string) (store.User, error)
	CreateUser(ctx context.Context, subjectID, email, name string) (store.User, error)
	UpdateUserEmail(ctx context.Context, userID, email string) error
	GrantRole(ctx context.Context, userID, roleName string) error
}

// Resolver maps verified subjects to users. Unknown subjects are created
// on first sight. The admin allow-list is checked on every resolve, after
// e-mail backfill, so an address added to the list takes effect on the
// user's next request.
type Resolver struct {
	store  Store
	cache  *Cache
	admins map[string]struct{}
}

// NewResolver builds a resolver. cache may be nil to disable caching.
func NewResolver(st Store, cache *Cache, adminEmails []string) *Resolver {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			admins[email] = struct{}{}
		}
	}
	return &Resolver{store: st, cache: cache, admins: admins}
}

func (r *Resolver) Resolve(ctx context.Context, subjectID, email string) (store.User, error) {
	if user, ok := r.cache.Get(ctx, subjectID); ok {
		return user, nil
	}

	user, err := r.store.GetUserBySubject(ctx, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		user, err = r.store.CreateUser(ctx, subjectID, email, "")
	}
	if err != nil {
		return store.User{}, err
	}

	// Backfill the address for users created before the provider shared it.
	if user.Email == "" && email != "" {
		if err := r.store.UpdateUserEmail(ctx, user.ID, email); err != nil {
			return store.User{}, err
		}
		user.Email = email
	}

	if r.isAdminEmail(user.Email) && !hasRole(user.Roles, string(rbac.RoleAdmin)) {
		if err := r.store.GrantRole(ctx, user.ID, string(rbac.RoleAdmin)); err != nil {
			return store.User{}, err
		}
		user.Roles = append(user.Roles, string(rbac.RoleAdmin))
	}

	r.cache.Put(ctx, user)
	return user, nil
}

// Invalidate drops the cached snapshot for a subject. Callers do this
// after any role or username change.
func (r *Resolver) Invalidate(ctx context.Context, subjectID string) {
	r.cache.Invalidate(ctx, subjectID)
}

func (r *Resolver) isAdminEmail(email string) bool {
	if email == "" {
		return false
	}
	_, ok := r.admins[strings.ToLower(email)]
	return ok
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
