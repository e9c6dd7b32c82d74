package sitecache

import "strings"

// StaleSuffix marks the long-lived fallback slot of a logical key.
const StaleSuffix = "_stale"

// durablePrefix namespaces entries in the durable store.
const durablePrefix = "cache_"

// Logical keys mirrored to durable storage.
const (
	KeyProjects       = "projects-list"
	KeyContactDetails = "contact-details"
	KeyAbout          = "about-content"
	KeyHero           = "hero-content"
)

// PersistentKeys lists the logical keys that survive a restart.
var PersistentKeys = []string{KeyProjects, KeyContactDetails, KeyAbout, KeyHero}

// StaleKey returns the stale slot for key.
func StaleKey(key string) string {
	return key + StaleSuffix
}

// IsStaleKey reports whether key addresses a stale slot.
func IsStaleKey(key string) bool {
	return strings.HasSuffix(key, StaleSuffix)
}

func persistentSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys)*2)
	for _, key := range keys {
		set[key] = struct{}{}
		set[StaleKey(key)] = struct{}{}
	}
	return set
}

func durableKey(key string) string {
	return durablePrefix + key
}
