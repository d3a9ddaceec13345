// Package view provides observable values for UI-facing state.
package view

import "sync"

// View holds a value and lets readers wait for the next change.
// Values handed to Set must not be mutated afterwards.
type View[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{}
}

// New creates a view holding initial.
func New[T any](initial T) *View[T] {
	return &View[T]{value: initial, changed: make(chan struct{})}
}

// Get returns the current value.
func (v *View[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Snapshot returns the current value with its version.
func (v *View[T]) Snapshot() (T, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version
}

// Changed returns a channel closed on the next Set.
func (v *View[T]) Changed() <-chan struct{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.changed
}

// Set replaces the value and wakes every waiter.
func (v *View[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
}
