package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is durable client-side key/value storage, the process equivalent of
// a browser's localStorage. Values are opaque strings.
type Store interface {
	// GetItem returns the value for key, or ErrNotFound.
	GetItem(key string) (string, error)

	// SetItems writes all pairs in a single transaction.
	SetItems(items map[string]string) error

	// RemoveItems deletes all keys in a single transaction. Missing keys are
	// not an error.
	RemoveItems(keys ...string) error

	// Close the store
	Close() error
}
