// Package repo defines the generic Repository interface and list options.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entity has the requested id.
var ErrNotFound = errors.New("not found")

// Repository is a generic keyed store. Save inserts or replaces by id.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Save(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and ordering for List operations.
type ListOpts struct {
	Offset  int
	Limit   int
	OrderBy string // property name; empty keeps storage order
	Desc    bool
}
