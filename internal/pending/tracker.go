package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	network "github.com/hanpama/graphcache/internal/network"
	query "github.com/hanpama/graphcache/internal/query"
)

var (
	dispatchedQueryCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "graphcache",
		Name:      "dispatched_query_count",
		Help:      "The total number of queries sent to the network layer.",
	})

	deduplicatedFetchCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "graphcache",
		Name:      "deduplicated_fetch_count",
		Help:      "The total number of fetches answered by a query already in flight.",
	})
)

// Writer writes query payloads into the store.
type Writer interface {
	HandleQueryPayload(q *query.Node, data map[string]any, forceIndex int) error
}

type Option func(*Tracker)

// WithWriter sets the writer that receives every payload before its fetch
// resolves.
func WithWriter(w Writer) Option { return func(t *Tracker) { t.writer = w } }

func WithEventBus(b *eventbus.Bus) Option { return func(t *Tracker) { t.bus = b } }

// Tracker registers fetches and dispatches them to the network layer once
// per turn.
type Tracker struct {
	sched  Scheduler
	layer  network.Layer
	writer Writer
	bus    *eventbus.Bus

	pending   map[string]*Fetch
	queue     []queued
	scheduled bool
}

type queued struct {
	ctx   context.Context
	fetch *Fetch
}

func NewTracker(sched Scheduler, layer network.Layer, opts ...Option) *Tracker {
	t := &Tracker{
		sched:   sched,
		layer:   layer,
		pending: make(map[string]*Fetch),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Add returns the fetch of p.Query, starting one unless a query with the
// same id is in flight. New fetches are sent at the end of the turn.
func (t *Tracker) Add(ctx context.Context, p Params) *Fetch {
	id := p.Query.ID()
	if f, ok := t.pending[id]; ok {
		deduplicatedFetchCount.Inc()
		return f
	}
	f := &Fetch{
		query:      p.Query,
		fetchMode:  p.FetchMode,
		forceIndex: p.ForceIndex,
		future:     newFuture(t.sched),
	}
	t.pending[id] = f
	t.queue = append(t.queue, queued{ctx: ctx, fetch: f})
	if !t.scheduled {
		t.scheduled = true
		t.sched.Post(t.dispatch)
	}
	return f
}

// HasPendingQueries reports whether any fetch is in flight.
func (t *Tracker) HasPendingQueries() bool { return len(t.pending) > 0 }

func (t *Tracker) dispatch() {
	t.scheduled = false
	batch := t.queue
	t.queue = nil
	if len(batch) == 0 {
		return
	}

	// Requests sharing a context are sent together.
	var (
		ctx  = batch[0].ctx
		reqs []*network.Request
	)
	for _, q := range batch {
		q := q
		if q.ctx != ctx {
			t.send(ctx, reqs)
			ctx, reqs = q.ctx, nil
		}
		f := q.fetch
		f.start = time.Now()
		eventbus.Publish(q.ctx, t.bus, events.FetchStart{QueryID: f.query.ID(), QueryName: f.query.Name()})
		reqs = append(reqs, network.NewRequest(f.query, func(resp *network.Response, err error) {
			t.complete(q.ctx, f, resp, err)
		}))
	}
	t.send(ctx, reqs)
}

func (t *Tracker) send(ctx context.Context, reqs []*network.Request) {
	dispatchedQueryCount.Add(float64(len(reqs)))
	t.layer.SendQueries(ctx, reqs)
}

// complete runs on the network goroutine.
func (t *Tracker) complete(ctx context.Context, f *Fetch, resp *network.Response, err error) {
	if err == nil {
		f.resolvable.Store(true)
	}
	t.sched.Post(func() { t.handle(ctx, f, resp, err) })
}

func (t *Tracker) handle(ctx context.Context, f *Fetch, resp *network.Response, err error) {
	if err == nil && t.writer != nil {
		var data map[string]any
		if resp != nil {
			data = resp.Data
		}
		if werr := t.writer.HandleQueryPayload(f.query, data, f.forceIndex); werr != nil {
			err = fmt.Errorf("write payload of %s: %w", f.query.Name(), werr)
		}
	}
	if err != nil {
		f.resolvable.Store(false)
	}
	delete(t.pending, f.query.ID())
	eventbus.Publish(ctx, t.bus, events.FetchFinish{
		QueryID:   f.query.ID(),
		QueryName: f.query.Name(),
		Err:       err,
		Duration:  time.Since(f.start),
	})
	f.future.settle(err)
}
