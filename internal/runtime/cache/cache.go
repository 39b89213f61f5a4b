// Package cache provides the TTL key/value cache used for outbound response
// caching and event snapshots. Values are stored as JSON.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache stores JSON-encodable values under string keys.
type Cache interface {
	// Get decodes the value under key into dest and reports whether it was
	// present and unexpired.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores value under key. ttl <= 0 keeps the entry until deleted.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

var errEmptyKey = errors.New("conduit: cache key cannot be empty")

func validateKey(key string) error {
	if key == "" {
		return errEmptyKey
	}
	return nil
}
