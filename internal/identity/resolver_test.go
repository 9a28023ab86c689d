package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"theoryboard/api/internal/store"
	"theoryboard/api/internal/util"
)

type fakeStore struct {
	users        map[string]store.User
	emailUpdates []string
	roleGrants   []string
	createCalls  int
	lookupCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]store.User)}
}

func (f *fakeStore) GetUserBySubject(ctx context.Context, subjectID string) (store.User, error) {
	f.lookupCalls++
	user, ok := f.users[subjectID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, subjectID, email, name string) (store.User, error) {
	f.createCalls++
	user := store.User{ID: util.NewID("usr"), SubjectID: subjectID, Email: email, Name: name}
	f.users[subjectID] = user
	return user, nil
}

func (f *fakeStore) UpdateUserEmail(ctx context.Context, userID, email string) error {
	f.emailUpdates = append(f.emailUpdates, userID+":"+email)
	for subject, user := range f.users {
		if user.ID == userID {
			user.Email = email
			f.users[subject] = user
		}
	}
	return nil
}

func (f *fakeStore) GrantRole(ctx context.Context, userID, roleName string) error {
	f.roleGrants = append(f.roleGrants, userID+":"+roleName)
	for subject, user := range f.users {
		if user.ID == userID {
			user.Roles = append(user.Roles, roleName)
			f.users[subject] = user
		}
	}
	return nil
}

func TestResolveCreatesUnknownSubject(t *testing.T) {
	fs := newFakeStore()
	r := NewResolver(fs, nil, nil)

	user, err := r.Resolve(context.Background(), "subj_new", "fan@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if fs.createCalls != 1 {
		t.Errorf("expected one create, got %d", fs.createCalls)
	}
	if user.SubjectID != "subj_new" || user.Email != "fan@example.com" {
		t.Errorf("unexpected user: %+v", user)
	}
	if len(fs.roleGrants) != 0 {
		t.Errorf("no roles should be granted: %v", fs.roleGrants)
	}
}

func TestResolveGrantsAdminFromAllowList(t *testing.T) {
	fs := newFakeStore()
	r := NewResolver(fs, nil, []string{"Boss@Example.com"})

	user, err := r.Resolve(context.Background(), "subj_boss", "boss@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(fs.roleGrants) != 1 {
		t.Fatalf("expected one grant, got %v", fs.roleGrants)
	}
	if user.Roles[len(user.Roles)-1] != "admin" {
		t.Errorf("expected admin role, got %v", user.Roles)
	}

	// A second resolve must not grant again.
	if _, err := r.Resolve(context.Background(), "subj_boss", "boss@example.com"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if len(fs.roleGrants) != 1 {
		t.Errorf("grant should be idempotent, got %v", fs.roleGrants)
	}
}

func TestResolveBackfillsEmailThenChecksAllowList(t *testing.T) {
	fs := newFakeStore()
	fs.users["subj_old"] = store.User{ID: "usr_old", SubjectID: "subj_old"}
	r := NewResolver(fs, nil, []string{"late@example.com"})

	user, err := r.Resolve(context.Background(), "subj_old", "late@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(fs.emailUpdates) != 1 {
		t.Fatalf("expected email backfill, got %v", fs.emailUpdates)
	}
	if len(fs.roleGrants) != 1 {
		t.Fatalf("expected admin grant after backfill, got %v", fs.roleGrants)
	}
	if user.Email != "late@example.com" {
		t.Errorf("expected backfilled email, got %s", user.Email)
	}
}

func TestResolveUsesCache(t *testing.T) {
	fs := newFakeStore()
	cache, _ := setupTestCache(t, time.Minute)
	defer cache.Close()
	r := NewResolver(fs, cache, nil)

	ctx := context.Background()
	if _, err := r.Resolve(ctx, "subj_c", "c@example.com"); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	lookups := fs.lookupCalls

	if _, err := r.Resolve(ctx, "subj_c", "c@example.com"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if fs.lookupCalls != lookups {
		t.Errorf("expected cache hit, store was queried again")
	}

	r.Invalidate(ctx, "subj_c")
	if _, err := r.Resolve(ctx, "subj_c", "c@example.com"); err != nil {
		t.Fatalf("third Resolve failed: %v", err)
	}
	if fs.lookupCalls != lookups+1 {
		t.Errorf("expected store lookup after invalidation")
	}
}
