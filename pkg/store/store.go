// Package store holds the durable key-value collaborators used for the configuration
// cache and for flag overrides. Every write is durable when the call returns.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ReadCache when no configuration has been cached yet.
var ErrNotFound = errors.New("not found")

type Store interface {
	ReadCache(ctx context.Context) ([]byte, error)
	WriteCache(ctx context.Context, data []byte) error

	ReadOverrides(ctx context.Context) (map[string]string, error)
	// WriteOverride and DeleteOverride address a single key so that writes to
	// different keys never contend.
	WriteOverride(ctx context.Context, key, value string) error
	DeleteOverride(ctx context.Context, key string) error

	Close() error
}
