package dispatch

import "sync"

// RecentKeys is a bounded set of event keys. When full, the oldest key is
// evicted, after which a repeat of it counts as new again.
type RecentKeys struct {
	mu    sync.RWMutex
	items []string
	index map[string]struct{}
	cap   int
	head  int // index of the oldest key
	count int
}

// NewRecentKeys creates a set holding at most capacity keys, seeded with keys
// (oldest first). Seeds beyond capacity keep only the newest.
func NewRecentKeys(capacity int, keys []string) *RecentKeys {
	if capacity < 1 {
		capacity = 1
	}
	r := &RecentKeys{
		items: make([]string, capacity),
		index: make(map[string]struct{}, capacity),
		cap:   capacity,
	}
	for _, k := range keys {
		r.addLocked(k)
	}
	return r
}

// Add inserts key and reports whether it was new
func (r *RecentKeys) Add(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(key)
}

func (r *RecentKeys) addLocked(key string) bool {
	if _, ok := r.index[key]; ok {
		return false
	}

	if r.count == r.cap {
		delete(r.index, r.items[r.head])
		r.items[r.head] = key
		r.head = (r.head + 1) % r.cap
	} else {
		r.items[(r.head+r.count)%r.cap] = key
		r.count++
	}
	r.index[key] = struct{}{}
	return true
}

// Contains reports whether key is in the set
func (r *RecentKeys) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[key]
	return ok
}

// Keys returns the keys oldest first
func (r *RecentKeys) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.head+i)%r.cap]
	}
	return out
}

// Len returns the number of keys held
func (r *RecentKeys) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
