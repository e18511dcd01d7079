// Package storage defines where input archives come from and where finished
// archives go.
//
// Implementations live in subpackages: disk, http, s3 and oci.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Fetch when no object exists for the key.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidKey is returned for keys an implementation cannot address.
var ErrInvalidKey = errors.New("storage: invalid key")

// Source fetches whole objects by key.
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Sink stores whole objects by key, replacing any existing object.
type Sink interface {
	Store(ctx context.Context, key string, data []byte) error
}

// Store is both a Source and a Sink.
type Store interface {
	Source
	Sink
}
