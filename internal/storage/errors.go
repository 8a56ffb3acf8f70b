package storage

import (
	"context"
	"errors"
)

var (
	ErrNoConnection = errors.New("can't establish connection to db")

	ErrInternal = errors.New("internal error")

	ErrNotFound = errors.New("key is not found")

	ErrConflict = errors.New("value changed concurrently")
)

// KV is the durable surface behind the token store. Set and Delete must be
// persisted before they return.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Swap writes value only if key still holds old, and returns ErrConflict
	// otherwise. A missing key is a conflict.
	Swap(ctx context.Context, key string, old, value []byte) error
}
