package principal

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("principal not found")
	ErrConflict = errors.New("email already in use")
)

type Repo interface {
	Create(ctx context.Context, p *Principal) error
	GetByEmail(ctx context.Context, email string) (*Principal, error)
	GetByID(ctx context.Context, id int64) (*Principal, error)
	Update(ctx context.Context, p *Principal) error
}
