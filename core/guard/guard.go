// Package guard prevents two workers from processing the same entity at once.
package guard

import (
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry is the set of entity IDs currently being processed
type Registry struct {
	name   string
	active cmap.ConcurrentMap[string, time.Time]
}

// NewRegistry creates an empty registry. The name is used in error messages.
func NewRegistry(name string) *Registry {
	return &Registry{name: name, active: cmap.New[time.Time]()}
}

// TryAcquire marks id as being processed. It returns false if id is already held.
func (r *Registry) TryAcquire(id string) bool {
	return r.active.SetIfAbsent(id, time.Now())
}

// Release marks id as no longer being processed
func (r *Registry) Release(id string) {
	r.active.Remove(id)
}

// Held reports whether id is currently being processed
func (r *Registry) Held(id string) bool {
	return r.active.Has(id)
}

// Len returns the number of entities currently held
func (r *Registry) Len() int {
	return r.active.Count()
}

// Do runs fn while holding id. If id is already held, fn is not run and ran is
// false. The id is released on every exit path, including a panic in fn, which
// is returned as an error.
func (r *Registry) Do(id string, fn func() error) (ran bool, err error) {
	if !r.TryAcquire(id) {
		return false, nil
	}
	defer r.Release(id)
	ran = true
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s %s: panic: %v", r.name, id, p)
		}
	}()
	err = fn()
	return ran, err
}
