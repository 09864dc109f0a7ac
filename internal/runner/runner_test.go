package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	compile "github.com/hanpama/graphcache/internal/compile"
	"github.com/hanpama/graphcache/internal/diag"
	diskcache "github.com/hanpama/graphcache/internal/diskcache"
	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	loop "github.com/hanpama/graphcache/internal/loop"
	network "github.com/hanpama/graphcache/internal/network"
	pending "github.com/hanpama/graphcache/internal/pending"
	query "github.com/hanpama/graphcache/internal/query"
	readystate "github.com/hanpama/graphcache/internal/readystate"
	"github.com/hanpama/graphcache/internal/store"
)

type layerMock struct {
	deferSupported bool
	batches        [][]*network.Request
}

func (l *layerMock) SendQueries(_ context.Context, reqs []*network.Request) {
	l.batches = append(l.batches, reqs)
}

func (l *layerMock) Supports(features ...string) bool {
	for _, f := range features {
		if f != network.FeatureDefer || !l.deferSupported {
			return false
		}
	}
	return true
}

func (l *layerMock) requests() []*network.Request {
	var out []*network.Request
	for _, b := range l.batches {
		out = append(out, b...)
	}
	return out
}

type writerMock struct {
	forceIndexes []int
}

func (w *writerMock) HandleQueryPayload(_ *query.Node, _ map[string]any, forceIndex int) error {
	w.forceIndexes = append(w.forceIndexes, forceIndex)
	return nil
}

type cacheMock struct {
	reads []map[string]*query.Node
	err   error
}

func (c *cacheMock) ReadFromDiskCache(queries map[string]*query.Node, cb diskcache.Callbacks) {
	c.reads = append(c.reads, queries)
	if c.err != nil {
		cb.OnFailure(c.err)
		return
	}
	cb.OnSuccess()
}

type harness struct {
	loop   *loop.Loop
	store  *store.MemoryStore
	layer  *layerMock
	writer *writerMock
	runner *Runner
}

func newHarness(layer *layerMock, opts ...Option) *harness {
	h := &harness{
		loop:   loop.New(),
		store:  store.NewMemoryStore(nil),
		layer:  layer,
		writer: &writerMock{},
	}
	pt := pending.NewTracker(h.loop, layer, pending.WithWriter(h.writer))
	h.runner = New(h.loop, h.store, pt, layer, opts...)
	return h
}

type recorder struct {
	states []readystate.State
}

func (r *recorder) onChange(s readystate.State) { r.states = append(r.states, s) }

func (h *harness) run(t *testing.T, src string, mode pending.FetchMode) (*Handle, *recorder) {
	t.Helper()
	roots, err := compile.Compile(src, nil)
	require.NoError(t, err)
	rec := &recorder{}
	handle, err := h.runner.Run(context.Background(), roots, rec.onChange, mode)
	require.NoError(t, err)
	return handle, rec
}

func (h *harness) seedUser() {
	h.store.SetType("4", "User")
	h.store.SetField("4", "id", "4")
	h.store.SetField("4", "name", "Zuck")
}

func ok() *network.Response { return &network.Response{Data: map[string]any{}} }

func ev(types ...readystate.EventType) []readystate.Event {
	out := make([]readystate.Event, len(types))
	for i, typ := range types {
		out[i] = readystate.Event{Type: typ}
	}
	return out
}

func requireStates(t *testing.T, want, got []readystate.State) {
	t.Helper()
	if d := cmp.Diff(want, got, cmpopts.EquateErrors()); d != "" {
		t.Fatalf("ready states mismatch (-want +got):\n%s", d)
	}
}

const userQuery = `query UserQuery { node(id: "4") { name } }`

func TestRunEmpty(t *testing.T) {
	h := newHarness(&layerMock{})
	rec := &recorder{}
	_, err := h.runner.Run(context.Background(), map[string]*query.Node{"viewer": nil}, rec.onChange, pending.FetchModeClient)
	require.NoError(t, err)
	require.Empty(t, rec.states, "runs start in the next turn")
	h.loop.Drain()

	requireStates(t, []readystate.State{
		{Done: true, Ready: true, Events: ev(readystate.StoreFoundAll)},
	}, rec.states)
}

func TestRunFromStore(t *testing.T) {
	h := newHarness(&layerMock{})
	h.seedUser()
	_, rec := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()

	require.Empty(t, h.layer.batches)
	requireStates(t, []readystate.State{
		{Done: true, Ready: true, Events: ev(readystate.StoreFoundAll)},
	}, rec.states)
}

func TestRunFetchesMissingData(t *testing.T) {
	h := newHarness(&layerMock{})
	_, rec := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()

	reqs := h.layer.requests()
	require.Len(t, reqs, 1)
	pendingState := readystate.State{Events: ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart)}
	requireStates(t, []readystate.State{pendingState}, rec.states)

	reqs[0].Resolve(ok())
	h.loop.Drain()
	requireStates(t, []readystate.State{
		pendingState,
		{Done: true, Ready: true, Events: ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart, readystate.NetworkQueryReceivedAll)},
	}, rec.states)
	require.Equal(t, []int{0}, h.writer.forceIndexes)
}

func TestRunForceFetch(t *testing.T) {
	h := newHarness(&layerMock{})
	h.seedUser()
	_, rec := h.run(t, userQuery, pending.FetchModeRefetch)
	h.loop.Drain()

	reqs := h.layer.requests()
	require.Len(t, reqs, 1, "cached data is fetched again")
	started := ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart)
	stale := append(started, readystate.Event{Type: readystate.StoreFoundRequired})
	requireStates(t, []readystate.State{
		{Events: started},
		{Ready: true, Stale: true, Events: stale},
	}, rec.states)

	reqs[0].Resolve(ok())
	h.loop.Drain()
	require.Len(t, rec.states, 3)
	requireStates(t, []readystate.State{
		{Done: true, Ready: true, Events: append(stale, readystate.Event{Type: readystate.NetworkQueryReceivedAll})},
	}, rec.states[2:])

	t.Run("Each refetch gets a new force index", func(t *testing.T) {
		h.run(t, userQuery, pending.FetchModeRefetch)
		h.loop.Drain()
		reqs := h.layer.requests()
		reqs[len(reqs)-1].Resolve(ok())
		h.loop.Drain()
		require.Equal(t, []int{1, 2}, h.writer.forceIndexes)
	})
}

func TestRunDeduplicatesFetches(t *testing.T) {
	h := newHarness(&layerMock{})
	_, first := h.run(t, userQuery, pending.FetchModeClient)
	_, second := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()

	reqs := h.layer.requests()
	require.Len(t, reqs, 1, "both runs share one fetch")
	reqs[0].Resolve(ok())
	h.loop.Drain()

	for _, rec := range []*recorder{first, second} {
		require.Len(t, rec.states, 2)
		require.True(t, rec.states[1].Done)
	}
}

const deferredQuery = `
	query UserQuery { node(id: "4") { name ...Bio @deferred } }
	fragment Bio on User { bio }`

func TestRunSplitsDeferredFragments(t *testing.T) {
	h := newHarness(&layerMock{})
	_, rec := h.run(t, deferredQuery, pending.FetchModeClient)
	h.loop.Drain()

	reqs := h.layer.requests()
	require.Len(t, reqs, 2)
	require.False(t, reqs[0].Query().IsDeferred())
	require.True(t, reqs[1].Query().IsDeferred())
	for _, c := range reqs[0].Query().Children() {
		require.False(t, c.IsFragment(), "the required query has no deferred fragment")
	}

	started := ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart)
	reqs[0].Resolve(ok())
	h.loop.Drain()
	required := append(started, readystate.Event{Type: readystate.NetworkQueryReceivedRequired})
	requireStates(t, []readystate.State{
		{Events: started},
		{Ready: true, Events: required},
	}, rec.states)

	reqs[1].Resolve(ok())
	h.loop.Drain()
	requireStates(t, []readystate.State{
		{Done: true, Ready: true, Events: append(required, readystate.Event{Type: readystate.NetworkQueryReceivedAll})},
	}, rec.states[2:])

	t.Run("Deferred fetches that already arrived report together", func(t *testing.T) {
		h := newHarness(&layerMock{})
		_, rec := h.run(t, deferredQuery, pending.FetchModeClient)
		h.loop.Drain()
		reqs := h.layer.requests()
		reqs[0].Resolve(ok())
		reqs[1].Resolve(ok())
		h.loop.Drain()
		requireStates(t, []readystate.State{
			{Events: started},
			{Done: true, Ready: true, Events: append(started, readystate.Event{Type: readystate.NetworkQueryReceivedAll})},
		}, rec.states)
	})

	t.Run("Layers that support defer get the whole query", func(t *testing.T) {
		h := newHarness(&layerMock{deferSupported: true})
		h.run(t, deferredQuery, pending.FetchModeClient)
		h.loop.Drain()
		require.Len(t, h.layer.requests(), 1)
	})
}

func TestSplitDeferredDropsEmptyRequiredQuery(t *testing.T) {
	roots, err := compile.Compile(`
		query Q { node(id: "4") { ...Bio @deferred } }
		fragment Bio on User { bio }`, nil)
	require.NoError(t, err)
	split := splitDeferred([]*query.Node{roots["node"]})
	require.Len(t, split, 1)
	require.True(t, split[0].IsDeferred())
}

func TestRunError(t *testing.T) {
	h := newHarness(&layerMock{})
	_, rec := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()

	boom := errors.New("boom")
	h.layer.requests()[0].Reject(boom)
	h.loop.Drain()
	requireStates(t, []readystate.State{
		{Events: ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart)},
		{Error: boom, Events: []readystate.Event{
			{Type: readystate.NetworkQueryStart},
			{Type: readystate.CacheRestoreStart},
			{Type: readystate.NetworkQueryError, Error: boom},
		}},
	}, rec.states)
}

func TestRunAbort(t *testing.T) {
	bus := eventbus.New()
	var finished []events.RunFinish
	eventbus.Subscribe(bus, func(_ context.Context, e events.RunFinish) { finished = append(finished, e) })
	var started []events.RunStart
	eventbus.Subscribe(bus, func(_ context.Context, e events.RunStart) { started = append(started, e) })

	h := newHarness(&layerMock{}, WithEventBus(bus))
	handle, rec := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()
	handle.Abort()
	h.layer.requests()[0].Resolve(ok())
	h.loop.Drain()

	requireStates(t, []readystate.State{
		{Events: ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart)},
		{Aborted: true, Events: ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart, readystate.Abort)},
	}, rec.states)
	require.Equal(t, []int{0}, h.writer.forceIndexes, "aborted runs still write their payloads")

	require.Len(t, started, 1)
	require.Equal(t, handle.ID(), started[0].RunID)
	require.Equal(t, []string{"node"}, started[0].Queries)
	require.Len(t, finished, 1)
	require.True(t, finished[0].Aborted)
}

func TestRunDiskCache(t *testing.T) {
	cache := &cacheMock{}
	h := newHarness(&layerMock{}, WithDiskCache(cache))
	_, rec := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()

	require.Len(t, cache.reads, 1)
	require.Len(t, cache.reads[0], 1)
	started := ev(readystate.NetworkQueryStart, readystate.CacheRestoreStart)
	requireStates(t, []readystate.State{
		{Events: started},
		{Ready: true, Stale: true, Events: append(started, readystate.Event{Type: readystate.CacheRestoredRequired})},
	}, rec.states)

	t.Run("Failed restores wait for the network", func(t *testing.T) {
		cache := &cacheMock{err: diskcache.ErrIncomplete}
		h := newHarness(&layerMock{}, WithDiskCache(cache))
		_, rec := h.run(t, userQuery, pending.FetchModeClient)
		h.loop.Drain()
		requireStates(t, []readystate.State{
			{Events: started},
			{Events: append(started, readystate.Event{Type: readystate.CacheRestoreFailed, Error: diskcache.ErrIncomplete})},
		}, rec.states)

		h.layer.requests()[0].Resolve(ok())
		h.loop.Drain()
		require.Len(t, rec.states, 3)
		require.True(t, rec.states[2].Done)
		require.NoError(t, rec.states[2].Error)
	})
}

func TestRunRejectsNonRootQueries(t *testing.T) {
	h := newHarness(&layerMock{})
	field := query.NewField(query.FieldConfig{SchemaName: "name"})
	_, err := h.runner.Run(context.Background(), map[string]*query.Node{"name": field}, nil, pending.FetchModeClient)
	require.ErrorIs(t, err, ErrNotRoot)
}

func TestRunReportsDiagnostics(t *testing.T) {
	rec := &diag.Recorder{}
	h := newHarness(&layerMock{}, WithDiagnostics(rec))
	handle, _ := h.run(t, userQuery, pending.FetchModeClient)
	h.loop.Drain()
	h.layer.requests()[0].Resolve(ok())
	h.loop.Drain()
	handle.Abort()
	h.loop.Drain()
	require.Empty(t, rec.Diagnostics(), "aborting a finished run is allowed")
}
