package repository

import "context"

// KV is the synchronous key-value store sessions are persisted in
type KV interface {
	// Get returns the value for key and whether it exists
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set replaces the value for key
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key; removing a missing key is not an error
	Remove(ctx context.Context, key string) error
}
