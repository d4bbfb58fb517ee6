// Package kvstore defines the persistent string key/value port used by the
// local expiring cache, plus memory, bbolt and PostgreSQL implementations.
package kvstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("kvstore: key not found")
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
)

// Store is shared by every owner in a process: Keys returns all keys, not
// only the caller's.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
