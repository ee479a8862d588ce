// Package identity resolves authenticated subjects to local user records.
package identity

import (
	"context"
	"errors"
	"fmt"

	"chatcore/internal/domain"
	"chatcore/internal/store"

	"github.com/google/uuid"
)

type Provider interface {
	Lookup(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// StoreProvider reads the users projection table.
type StoreProvider struct {
	st *store.Store
}

func NewStoreProvider(st *store.Store) *StoreProvider { return &StoreProvider{st: st} }

func (p *StoreProvider) Lookup(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, err := p.st.Users().GetByID(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	return u, err
}

type userKey struct{}

func WithUser(ctx context.Context, u *domain.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func UserFrom(ctx context.Context) (*domain.User, bool) {
	u, ok := ctx.Value(userKey{}).(*domain.User)
	return u, ok && u != nil
}
