// Package pending tracks the queries in flight. A query is sent to the
// network at most once at a time; adding a query whose id is already in
// flight returns the existing fetch.
//
// Tracker, Fetch and Future are used from the loop goroutine only. Network
// completions arrive on other goroutines and are posted back to the loop.
package pending

import (
	"sync/atomic"
	"time"

	query "github.com/hanpama/graphcache/internal/query"
)

// FetchMode selects how a run treats data already in the store.
type FetchMode string

const (
	// FetchModeClient fetches only what the store is missing.
	FetchModeClient FetchMode = "CLIENT"
	// FetchModeRefetch fetches the queries unchanged and forces their
	// payloads over the store.
	FetchModeRefetch FetchMode = "REFETCH"
	// FetchModePrefetch fetches the queries unchanged.
	FetchModePrefetch FetchMode = "PREFETCH"
)

// Params describes a query to fetch.
type Params struct {
	Query     *query.Node
	FetchMode FetchMode
	// ForceIndex orders forced payloads; zero means not forced.
	ForceIndex int
}

// Scheduler posts a function to a later turn of the loop.
type Scheduler interface {
	Post(func())
}

// Fetch is one query in flight.
type Fetch struct {
	query      *query.Node
	fetchMode  FetchMode
	forceIndex int
	future     *Future
	resolvable atomic.Bool
	start      time.Time
}

func (f *Fetch) Query() *query.Node   { return f.query }
func (f *Fetch) FetchMode() FetchMode { return f.fetchMode }
func (f *Fetch) ForceIndex() int      { return f.forceIndex }

// ResolvedFuture settles once the payload was written, or fails with the
// fetch error.
func (f *Fetch) ResolvedFuture() *Future { return f.future }

// Resolvable reports whether the response arrived and resolution is queued.
func (f *Fetch) Resolvable() bool { return f.resolvable.Load() }

// Future is a single-assignment result. Observers run in later turns, in
// the order they were added.
type Future struct {
	sched     Scheduler
	settled   bool
	err       error
	observers []func(error)
}

func newFuture(sched Scheduler) *Future { return &Future{sched: sched} }

// Then registers cb to run with the result once f settles.
func (f *Future) Then(cb func(err error)) {
	if f.settled {
		err := f.err
		f.sched.Post(func() { cb(err) })
		return
	}
	f.observers = append(f.observers, cb)
}

// Settled reports whether f has a result.
func (f *Future) Settled() bool { return f.settled }

// Err returns the error f settled with.
func (f *Future) Err() error { return f.err }

func (f *Future) settle(err error) {
	if f.settled {
		return
	}
	f.settled = true
	f.err = err
	observers := f.observers
	f.observers = nil
	for _, cb := range observers {
		cb := cb
		f.sched.Post(func() { cb(err) })
	}
}
