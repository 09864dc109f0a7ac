// Package gc keeps reference counts of records held by live readers.
package gc

import (
	"fmt"
	"sync"
)

// RefCounter is implemented by collectors that track record references.
type RefCounter interface {
	IncrementReferenceCount(id string)
	DecrementReferenceCount(id string)
}

// Counter is an in-memory RefCounter.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
}

var _ RefCounter = (*Counter)(nil)

func NewCounter() *Counter { return &Counter{counts: make(map[string]int)} }

func (c *Counter) IncrementReferenceCount(id string) {
	c.mu.Lock()
	c.counts[id]++
	c.mu.Unlock()
}

// DecrementReferenceCount releases one reference. Releasing an unreferenced
// record panics.
func (c *Counter) DecrementReferenceCount(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[id]
	if n <= 0 {
		panic(fmt.Sprintf("gc: reference count of %q would become negative", id))
	}
	if n == 1 {
		delete(c.counts, id)
		return
	}
	c.counts[id] = n - 1
}

// Count returns the number of references held on id.
func (c *Counter) Count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

// Collectable returns whether id is no longer referenced.
func (c *Counter) Collectable(id string) bool { return c.Count(id) == 0 }
