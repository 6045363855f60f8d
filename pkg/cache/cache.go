// Package cache provides a small fixed-capacity map with FIFO eviction:
// inserting beyond capacity drops the earliest-inserted entry, regardless of
// how recently it was read.
package cache

import "sync"

const defaultCapacity = 20

type Bounded[K comparable, V any] struct {
	mu    sync.Mutex
	max   int
	items map[K]V
	order []K
}

func NewBounded[K comparable, V any](capacity int) *Bounded[K, V] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &Bounded[K, V]{
		max:   capacity,
		items: make(map[K]V, capacity),
	}
}

func (b *Bounded[K, V]) Get(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	value, ok := b.items[key]
	return value, ok
}

// Set inserts or updates key. Updating an existing key keeps its original
// insertion position.
func (b *Bounded[K, V]) Set(key K, value V) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.items[key]; ok {
		b.items[key] = value
		return
	}

	b.items[key] = value
	b.order = append(b.order, key)

	if len(b.order) > b.max {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.items, oldest)
	}
}

func (b *Bounded[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.items)
}
