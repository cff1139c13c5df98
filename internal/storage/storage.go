// Package storage provides the media object store. Message file Parts
// reference objects here by key; adapters fetch bytes or mint signed URLs
// when a provider needs the content.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a key with no stored object.
var ErrNotFound = errors.New("storage: object not found")

// Object is a stored media payload.
type Object struct {
	Data        []byte
	ContentType string
}

// Store is the object storage contract.
type Store interface {
	// Upload stores an object under key, overwriting any previous value.
	Upload(ctx context.Context, key string, obj Object) error

	// Download fetches the object stored under key.
	Download(ctx context.Context, key string) (Object, error)

	// SignedURL mints a time-limited public URL for the object.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
