package adapter

import "sync"

// handleArena hands out opaque integer handles for lazily expandable
// subtrees. Every stop event invalidates all handles: Reset bumps a
// generation counter instead of clearing the table, so a stale handle
// from a previous stop is rejected on lookup at no cost.
type handleArena struct {
	mu      sync.Mutex
	gen     uint64
	next    int
	entries map[int]arenaEntry
}

type arenaEntry struct {
	gen   uint64
	value interface{}
}

// pruneThreshold bounds how many stale entries may accumulate before a
// Reset also drops the table.
const pruneThreshold = 4096

func newHandleArena() *handleArena {
	return &handleArena{next: 1, entries: make(map[int]arenaEntry)}
}

// Add registers a value and returns its handle. Handles are always
// positive; zero is the protocol's "no children" marker.
func (a *handleArena) Add(v interface{}) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.entries[id] = arenaEntry{gen: a.gen, value: v}
	return id
}

// Get looks up a handle, failing for handles from earlier generations.
func (a *handleArena) Get(id int) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok || e.gen != a.gen {
		return nil, false
	}
	return e.value, true
}

// Reset invalidates every outstanding handle.
func (a *handleArena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if len(a.entries) > pruneThreshold {
		a.entries = make(map[int]arenaEntry)
	}
}
