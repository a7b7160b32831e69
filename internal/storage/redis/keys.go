package redis

import "strings"

// Redis key naming conventions for coordination data.
// Lock keys are namespaced per gateway instance: {namespace}{key}, where key is
// lock:{resource} or binding:{account}. Fencing counters live outside the scanned prefixes.

const fencePrefix = "fence:"

func (s *LockStore) lockKey(key string) string { return s.namespace + key }

// fenceKey returns the counter key backing fencing tokens of a lock: {namespace}fence:{key}
func (s *LockStore) fenceKey(key string) string { return s.namespace + fencePrefix + key }

// relativeKey strips the namespace from a stored key.
func (s *LockStore) relativeKey(stored string) string {
	return strings.TrimPrefix(stored, s.namespace)
}

// scanPattern returns a SCAN MATCH pattern for every key under the prefix.
func (s *LockStore) scanPattern(prefix string) string {
	return escapeGlob(s.namespace+prefix) + "*"
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
