package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("kv: entry not found")
	ErrPayloadTooLarge = errors.New("kv: payload too large")
)

// Store is the shared key-value persistence layer. Every client context (tab,
// process, test) that shares one Store observes the same entries. Writes
// replace the whole value atomically; readers never see a partial write.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Watch returns a channel that receives the new value after every
	// successful Put or Delete of the key, from any context sharing the
	// store. Delete is delivered as nil. The channel is closed when ctx
	// ends. Slow receivers may miss intermediate values but always end up
	// at most one notification behind the latest write.
	Watch(ctx context.Context, key string) <-chan []byte
}
