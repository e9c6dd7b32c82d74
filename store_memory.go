package sitecache

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore keeps "durable" entries in process. It outlives any single
// Cache built on it, which is what tests and short-lived CLIs need to model
// a restart without touching disk.
type memoryStore struct {
	items *gocache.Cache
}

func newMemoryStore() Store {
	return &memoryStore{items: gocache.New(gocache.NoExpiration, 0)}
}

func (s *memoryStore) Driver() Driver {
	return DriverMemory
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := s.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	s.items.Set(key, cloneBytes(value), gocache.NoExpiration)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.items.Delete(key)
	return nil
}

func (s *memoryStore) DeleteMany(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.items.Delete(key)
	}
	return nil
}
