package sitecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry is a cached value with its write time and expiry, both in epoch
// milliseconds. It is the unit stored in memory and in the durable mirror.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Expiry    int64           `json:"expiry"`
}

func newEntry(data []byte, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Data:      cloneBytes(data),
		Timestamp: now.UnixMilli(),
		Expiry:    now.Add(ttl).UnixMilli(),
	}
}

// Expired reports whether now is past the entry's expiry.
func (e Entry) Expired(now time.Time) bool {
	return now.UnixMilli() > e.Expiry
}

// Age returns how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.Timestamp) * time.Millisecond
}

func encodeEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return body, nil
}

func decodeEntry(body []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Expiry == 0 {
		return Entry{}, errors.New("decode cache entry: missing expiry")
	}
	return e, nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone
}
