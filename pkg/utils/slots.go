package utils

import (
	"errors"
	"sort"

	"golang.org/x/exp/constraints"
)

var ErrSlotsExhausted = errors.New("no free slot")

// Slots is a fixed capacity table of values indexed by an ordered key.
// Insertion fails once the table holds Capacity() entries.
type Slots[K constraints.Ordered, V any] struct {
	capacity int
	items    map[K]V
}

// Creates an empty slot table holding at most capacity entries
func MakeSlots[K constraints.Ordered, V any](capacity int) Slots[K, V] {
	return Slots[K, V]{
		capacity: capacity,
		items:    make(map[K]V, capacity),
	}
}

// Returns the maximum number of entries
func (s *Slots[K, V]) Capacity() int {
	return s.capacity
}

// Returns the number of used slots
func (s *Slots[K, V]) Len() int {
	return len(s.items)
}

// Returns whether every slot is taken
func (s *Slots[K, V]) Full() bool {
	return len(s.items) >= s.capacity
}

// Returns the value stored under key
func (s *Slots[K, V]) Get(key K) (V, bool) {
	value, ok := s.items[key]
	return value, ok
}

// Stores value under key. Replacing an existing key never fails.
func (s *Slots[K, V]) Put(key K, value V) error {
	if _, exists := s.items[key]; !exists && s.Full() {
		return MakeError(ErrSlotsExhausted, "all %v slots in use", s.capacity)
	}

	s.items[key] = value
	return nil
}

// Removes key, returning the value it held
func (s *Slots[K, V]) Delete(key K) (V, bool) {
	value, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return value, ok
}

// Returns the keys sorted in ascending order
func (s *Slots[K, V]) Keys() []K {
	keys := make([]K, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Returns the values sorted by key
func (s *Slots[K, V]) Values() []V {
	keys := s.Keys()
	values := make([]V, len(keys))
	for i, key := range keys {
		values[i] = s.items[key]
	}
	return values
}
