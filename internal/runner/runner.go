// Package runner runs sets of queries against the store and the network and
// reports their progress as ready states.
//
// A run diffs its queries against the store (in client mode), registers what
// is missing with the pending fetch tracker and reports ready once every
// required fetch has resolved. While required fetches are outstanding it
// tries to become ready early from the disk cache or from data already in
// the store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	availability "github.com/hanpama/graphcache/internal/availability"
	"github.com/hanpama/graphcache/internal/diag"
	diff "github.com/hanpama/graphcache/internal/diff"
	diskcache "github.com/hanpama/graphcache/internal/diskcache"
	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	network "github.com/hanpama/graphcache/internal/network"
	pending "github.com/hanpama/graphcache/internal/pending"
	query "github.com/hanpama/graphcache/internal/query"
	readystate "github.com/hanpama/graphcache/internal/readystate"
	runid "github.com/hanpama/graphcache/internal/runid"
	"github.com/hanpama/graphcache/internal/store"
)

var runCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphcache",
	Name:      "run_count",
	Help:      "The total number of query runs by fetch mode.",
}, []string{"fetch_mode"})

// ErrNotRoot is returned by Run for a query that is not a root query.
var ErrNotRoot = errors.New("runner: not a root query")

// Scheduler posts a function to a later turn of the loop.
type Scheduler interface {
	Post(func())
}

// DiskCache restores the records selected by queries into the store.
type DiskCache interface {
	ReadFromDiskCache(queries map[string]*query.Node, cb diskcache.Callbacks)
}

type Option func(*Runner)

// WithQueryTracker sets the tracker consulted when diffing queries.
func WithQueryTracker(t diff.Tracker) Option { return func(r *Runner) { r.tracker = t } }

// WithDiskCache makes runs restore required data from c before the network
// answers.
func WithDiskCache(c DiskCache) Option { return func(r *Runner) { r.cache = c } }

func WithDiagnostics(s diag.Sink) Option { return func(r *Runner) { r.diag = s } }

func WithEventBus(b *eventbus.Bus) Option { return func(r *Runner) { r.bus = b } }

// Runner starts runs. All of its methods and the callbacks it invokes run on
// the loop goroutine.
type Runner struct {
	sched   Scheduler
	store   store.Reader
	pending *pending.Tracker
	layer   network.Layer
	tracker diff.Tracker
	cache   DiskCache
	diag    diag.Sink
	bus     *eventbus.Bus

	forceIndex int
}

// New creates a runner. layer is only asked which features it supports;
// fetches go through pt.
func New(sched Scheduler, st store.Reader, pt *pending.Tracker, layer network.Layer, opts ...Option) *Runner {
	r := &Runner{sched: sched, store: st, pending: pt, layer: layer}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle controls a started run.
type Handle struct {
	run *run
}

// Abort stops reporting progress. The fetches of the run keep going and
// their payloads are still written.
func (h *Handle) Abort() {
	h.run.machine.Update(readystate.Update{Aborted: readystate.Bool(true)}, readystate.Event{Type: readystate.Abort})
}

// ID returns the run id, which is also carried by the context of its
// fetches.
func (h *Handle) ID() string { return h.run.id }

// Run starts fetching queries and reports progress to onChange. Nil queries
// are skipped. The work starts in the next turn of the loop.
func (r *Runner) Run(ctx context.Context, queries map[string]*query.Node, onChange func(readystate.State), mode pending.FetchMode) (*Handle, error) {
	for name, q := range queries {
		if q != nil && !q.IsRoot() {
			return nil, fmt.Errorf("%w: %s", ErrNotRoot, name)
		}
	}
	ctx, id := runid.NewContext(ctx)
	ru := &run{
		r:                 r,
		ctx:               ctx,
		id:                id,
		queries:           queries,
		mode:              mode,
		onChange:          onChange,
		remaining:         make(map[string]*pending.Fetch),
		remainingRequired: make(map[string]*pending.Fetch),
		start:             time.Now(),
	}
	ru.machine = readystate.New(r.sched, ru.report, r.diag)
	runCount.WithLabelValues(string(mode)).Inc()
	r.sched.Post(ru.begin)
	return &Handle{run: ru}, nil
}

type run struct {
	r        *Runner
	ctx      context.Context
	id       string
	queries  map[string]*query.Node
	mode     pending.FetchMode
	onChange func(readystate.State)
	machine  *readystate.Machine
	start    time.Time
	finished bool

	remaining         map[string]*pending.Fetch
	remainingRequired map[string]*pending.Fetch
}

func (ru *run) report(s readystate.State) {
	if ru.onChange != nil {
		ru.onChange(s)
	}
	if ru.finished || !(s.Done || s.Aborted || s.Error != nil) {
		return
	}
	ru.finished = true
	eventbus.Publish(ru.ctx, ru.r.bus, events.RunFinish{
		RunID:    ru.id,
		Aborted:  s.Aborted,
		Err:      s.Error,
		Duration: time.Since(ru.start),
	})
}

func (ru *run) update(u readystate.Update, evts ...readystate.Event) {
	ru.machine.Update(u, evts...)
}

func (ru *run) begin() {
	names := make([]string, 0, len(ru.queries))
	for name, q := range ru.queries {
		if q != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	eventbus.Publish(ru.ctx, ru.r.bus, events.RunStart{RunID: ru.id, Queries: names, FetchMode: string(ru.mode)})

	var forceIndex int
	if ru.mode == pending.FetchModeRefetch {
		ru.r.forceIndex++
		forceIndex = ru.r.forceIndex
	}

	var queries []*query.Node
	for _, name := range names {
		q := ru.queries[name]
		if ru.mode != pending.FetchModeClient {
			queries = append(queries, q)
			continue
		}
		diffs, err := diff.Diff(q, ru.r.store, ru.r.tracker, diff.WithDiagnostics(ru.r.diag))
		if err != nil {
			ru.update(readystate.Update{Error: fmt.Errorf("diff %s: %w", name, err)})
			return
		}
		eventbus.Publish(ru.ctx, ru.r.bus, events.DiffComputed{RunID: ru.id, QueryName: name, Queries: len(diffs)})
		queries = append(queries, diffs...)
	}
	if !ru.r.layer.Supports(network.FeatureDefer) {
		queries = splitDeferred(queries)
	}

	var evts []readystate.Event
	if len(queries) > 0 {
		evts = append(evts, readystate.Event{Type: readystate.NetworkQueryStart})
	}
	for _, q := range queries {
		q := q
		f := ru.r.pending.Add(ru.ctx, pending.Params{Query: q, FetchMode: ru.mode, ForceIndex: forceIndex})
		ru.remaining[q.ID()] = f
		if !q.IsDeferred() {
			ru.remainingRequired[q.ID()] = f
		}
		f.ResolvedFuture().Then(func(err error) {
			if err != nil {
				ru.onRejected(q, err)
				return
			}
			ru.onResolved(q)
		})
	}

	switch {
	case len(ru.remaining) == 0:
		ru.update(readystate.Update{Done: readystate.Bool(true), Ready: readystate.Bool(true)},
			append(evts, readystate.Event{Type: readystate.StoreFoundAll})...)
	case len(ru.remainingRequired) == 0:
		ru.update(readystate.Update{Ready: readystate.Bool(true)},
			append(evts, readystate.Event{Type: readystate.StoreFoundRequired})...)
	default:
		ru.update(readystate.Update{Ready: readystate.Bool(false)},
			append(evts, readystate.Event{Type: readystate.CacheRestoreStart})...)
		ru.r.sched.Post(ru.restore)
	}
}

// restore makes the run ready early from the disk cache, or from the store
// when there is no cache.
func (ru *run) restore() {
	if len(ru.remainingRequired) == 0 {
		return
	}
	if ru.r.cache == nil {
		for _, f := range ru.remainingRequired {
			if !availability.IsAvailable(f.Query(), ru.r.store) {
				return
			}
		}
		ru.update(readystate.Update{Ready: readystate.Bool(true), Stale: readystate.Bool(true)},
			readystate.Event{Type: readystate.StoreFoundRequired})
		return
	}

	required := make(map[string]*query.Node, len(ru.remainingRequired))
	for id, f := range ru.remainingRequired {
		required[id] = f.Query()
	}
	ru.r.cache.ReadFromDiskCache(required, diskcache.Callbacks{
		OnSuccess: func() {
			if len(ru.remainingRequired) > 0 {
				ru.update(readystate.Update{Ready: readystate.Bool(true), Stale: readystate.Bool(true)},
					readystate.Event{Type: readystate.CacheRestoredRequired})
			}
		},
		OnFailure: func(err error) {
			// The network answer is still on its way.
			if len(ru.remainingRequired) > 0 {
				ru.update(readystate.Update{}, readystate.Event{Type: readystate.CacheRestoreFailed, Error: err})
			}
		},
	})
}

func (ru *run) settle(q *query.Node) {
	delete(ru.remaining, q.ID())
	if !q.IsDeferred() {
		delete(ru.remainingRequired, q.ID())
	}
}

func (ru *run) onResolved(q *query.Node) {
	ru.settle(q)
	if len(ru.remainingRequired) > 0 {
		return
	}
	for _, f := range ru.remaining {
		// A fetch whose response already arrived reports in its own turn.
		if f.Resolvable() {
			return
		}
	}
	if len(ru.remaining) > 0 {
		ru.update(readystate.Update{Done: readystate.Bool(false), Ready: readystate.Bool(true), Stale: readystate.Bool(false)},
			readystate.Event{Type: readystate.NetworkQueryReceivedRequired})
		return
	}
	ru.update(readystate.Update{Done: readystate.Bool(true), Ready: readystate.Bool(true), Stale: readystate.Bool(false)},
		readystate.Event{Type: readystate.NetworkQueryReceivedAll})
}

func (ru *run) onRejected(q *query.Node, err error) {
	ru.update(readystate.Update{Error: err}, readystate.Event{Type: readystate.NetworkQueryError, Error: err})
	ru.settle(q)
}
