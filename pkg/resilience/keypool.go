// Package resilience provides the retry, circuit breaking and API key
// rotation used around RunPod submissions.
package resilience

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNoKeys is returned by Next when the pool was built without keys.
var ErrNoKeys = errors.New("keypool: no keys configured")

// KeyPool hands out RunPod API keys round-robin, skipping keys that were
// recently rate limited.
type KeyPool struct {
	mu      sync.Mutex
	keys    []keyEntry
	current int
	now     func() time.Time
}

type keyEntry struct {
	Key     string
	ResetAt time.Time // When the rate limit resets
	Limited bool
}

// NewKeyPool creates a key pool from a list of API keys.
func NewKeyPool(keys []string) *KeyPool {
	entries := make([]keyEntry, len(keys))
	for i, k := range keys {
		entries[i] = keyEntry{Key: k}
	}
	return &KeyPool{keys: entries, now: time.Now}
}

// Next returns the next available API key.
// When every key is limited, the key whose limit expires first is returned.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.keys)
	if n == 0 {
		return "", ErrNoKeys
	}

	now := kp.now()
	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		entry := &kp.keys[idx]

		if entry.Limited && now.After(entry.ResetAt) {
			entry.Limited = false
		}
		if !entry.Limited {
			kp.current = (idx + 1) % n
			return entry.Key, nil
		}
	}

	earliest := 0
	for i, e := range kp.keys[1:] {
		if e.ResetAt.Before(kp.keys[earliest].ResetAt) {
			earliest = i + 1
		}
	}
	kp.current = (earliest + 1) % n
	return kp.keys[earliest].Key, nil
}

// MarkRateLimited marks a key as rate-limited until resetAt.
func (kp *KeyPool) MarkRateLimited(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i := range kp.keys {
		if kp.keys[i].Key == key {
			kp.keys[i].Limited = true
			kp.keys[i].ResetAt = resetAt
			return
		}
	}
}

// Available returns how many keys are not currently rate limited.
func (kp *KeyPool) Available() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.now()
	n := 0
	for _, e := range kp.keys {
		if !e.Limited || now.After(e.ResetAt) {
			n++
		}
	}
	return n
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}
