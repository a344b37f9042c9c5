// Package persistence provides the key-value persistence boundary and the
// versioned entitlement cache built on top of it.
package persistence

import "context"

// KeyValueStore is the raw persistence primitive the engine writes through.
// Get returns "" with a nil error for an absent key; the cache layer treats
// store failures as an empty value as well, so implementations should only
// return errors for genuine I/O problems.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
