package state

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Entry is one key written by SetMany.
type Entry struct {
	Key   string
	Value []byte
}

// StateStore is a minimal key/value interface for ephemeral state.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetMany writes all entries atomically: readers see either none or all.
	SetMany(ctx context.Context, entries []Entry, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

type noopStore struct{}

// NewNoopStore returns a store that keeps nothing. Get always misses.
func NewNoopStore() StateStore { return &noopStore{} }

func (n *noopStore) Get(ctx context.Context, key string) ([]byte, error) { return nil, ErrNotFound }
func (n *noopStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (n *noopStore) SetMany(ctx context.Context, entries []Entry, ttl time.Duration) error {
	return nil
}
func (n *noopStore) Ping(ctx context.Context) error { return nil }
func (n *noopStore) Close() error                   { return nil }
