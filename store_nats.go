package sitecache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSKeyValue captures the subset of nats.KeyValue used by the store.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

type natsStore struct {
	kv     NATSKeyValue
	prefix string
}

func newNATSStore(kv NATSKeyValue, prefix string) Store {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &natsStore{
		kv:     kv,
		prefix: prefix,
	}
}

func (s *natsStore) Driver() Driver { return DriverNATS }

func (s *natsStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.kv == nil {
		return nil, false, fmt.Errorf("nats: %w", ErrStoreUnavailable)
	}
	entry, err := s.kv.Get(s.cacheKey(key))
	if isNATSMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return nil, false, nil
	}
	return cloneBytes(entry.Value()), true, nil
}

func (s *natsStore) Set(_ context.Context, key string, value []byte) error {
	if s.kv == nil {
		return fmt.Errorf("nats: %w", ErrStoreUnavailable)
	}
	_, err := s.kv.Put(s.cacheKey(key), cloneBytes(value))
	return err
}

func (s *natsStore) Delete(_ context.Context, key string) error {
	if s.kv == nil {
		return fmt.Errorf("nats: %w", ErrStoreUnavailable)
	}
	err := s.kv.Delete(s.cacheKey(key))
	if isNATSMiss(err) {
		return nil
	}
	return err
}

func (s *natsStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// cacheKey base64-encodes each part: NATS keys only allow [-/_=.a-zA-Z0-9].
func (s *natsStore) cacheKey(key string) string {
	return "p." + encodeNATSKeyPart(s.prefix) + ".k." + encodeNATSKeyPart(key)
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
