package sitecache

import "context"

// Store is the durable key-value contract behind Cache.
//
// Stores hold opaque bytes and never expire them on their own: expiry is
// decided by Cache from the serialized Entry, so stale copies stay readable
// after their expiry has passed.
type Store interface {
	Driver() Driver
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys ...string) error
}
