// Package registry provides the id-keyed tables that map public handles to live
// I/O systems, open files and decompositions.
package registry

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Registry maps integer ids to values of type T in ascending id order.
//
// Every entry point of the library resolves its handle argument through a
// registry, so lookups take a read lock and may run in parallel. Mutations
// take the write lock and complete before any caller observes them; a query
// issued while an insert or remove is running sees either the old or the new
// table, never a partial one.
//
// Values are stored as given. Unlike a cache, the registry does not copy: the
// caller that inserted a value owns it and is responsible for releasing its
// resources after Remove.
//
// Example:
//
//	files := registry.New[*File]()
//	files.Insert(16, f)
//	if f, ok := files.Get(16); ok {
//	    ...
//	}
type Registry[T any] struct {
	// entries is ordered by id so Max and Drain are deterministic.
	entries *treemap.Map

	// mu protects entries.
	mu sync.RWMutex
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: treemap.NewWithIntComparator()}
}

// Insert adds v under id. It reports false and leaves the table unchanged when
// id is already taken; live ids are never reused.
func (r *Registry[T]) Insert(id int, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.entries.Get(id); found {
		return false
	}
	r.entries.Put(id, v)
	return true
}

// Get returns the value stored under id.
func (r *Registry[T]) Get(id int) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, found := r.entries.Get(id)
	if !found {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Remove deletes id and returns the value it held. The second result is false
// when id was not registered.
func (r *Registry[T]) Remove(id int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, found := r.entries.Get(id)
	if !found {
		var zero T
		return zero, false
	}
	r.entries.Remove(id)
	return v.(T), true
}

// Len returns the number of registered ids.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Size()
}

// Max returns the largest registered id, or false when the registry is empty.
func (r *Registry[T]) Max() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, _ := r.entries.Max()
	if k == nil {
		return 0, false
	}
	return k.(int), true
}

// Drain removes every entry and returns the values in ascending id order.
// It is used at teardown, when the caller releases whatever was still live.
func (r *Registry[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := make([]T, 0, r.entries.Size())
	it := r.entries.Iterator()
	for it.Next() {
		values = append(values, it.Value().(T))
	}
	r.entries.Clear()
	return values
}
