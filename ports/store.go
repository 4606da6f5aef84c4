package ports

import (
	"context"
	"errors"
)

// ErrNotFound is returned by SecureStorage.Get when the key holds no value
var ErrNotFound = errors.New("secure storage: key not found")

// SecureStorage is the platform capability persisting values encrypted at rest
type SecureStorage interface {
	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key, value string) error

	// Get retrieves the value stored under key, or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
