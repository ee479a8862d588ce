// Package storetest opens isolated in-memory SQLite stores for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"chatcore/internal/domain"
	"chatcore/internal/store"

	"github.com/google/uuid"
)

func Open(t testing.TB) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open(store.Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// User inserts an active user with the given display name.
func User(t testing.TB, st *store.Store, name string, opts ...func(*domain.User)) *domain.User {
	t.Helper()

	u := &domain.User{ID: uuid.New(), DisplayName: name, IsActive: true}
	for _, o := range opts {
		o(u)
	}
	if err := st.Users().Upsert(context.Background(), u); err != nil {
		t.Fatalf("insert user %s: %v", name, err)
	}
	return u
}

func Executive(u *domain.User) { u.IsExecutive = true }
func Superuser(u *domain.User) { u.IsSuperuser = true }
func Inactive(u *domain.User)  { u.IsActive = false }
