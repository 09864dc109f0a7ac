package pending

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	loop "github.com/hanpama/graphcache/internal/loop"
	network "github.com/hanpama/graphcache/internal/network"
	query "github.com/hanpama/graphcache/internal/query"
)

type layerMock struct {
	batches [][]*network.Request
}

func (l *layerMock) SendQueries(_ context.Context, reqs []*network.Request) {
	l.batches = append(l.batches, reqs)
}

func (l *layerMock) Supports(...string) bool { return false }

type writeCall struct {
	Name       string
	Data       map[string]any
	ForceIndex int
}

type writerMock struct {
	calls []writeCall
	err   error
}

func (w *writerMock) HandleQueryPayload(q *query.Node, data map[string]any, forceIndex int) error {
	w.calls = append(w.calls, writeCall{Name: q.Name(), Data: data, ForceIndex: forceIndex})
	return w.err
}

func rootQuery(name, field string) *query.Node {
	return query.NewRoot(query.RootConfig{
		Name:      name,
		FieldName: field,
		Children:  []*query.Node{query.NewField(query.FieldConfig{SchemaName: "name"})},
	})
}

func TestTrackerDeduplicates(t *testing.T) {
	l := loop.New()
	layer := &layerMock{}
	tr := NewTracker(l, layer)

	q := rootQuery("ViewerQuery", "viewer")
	first := tr.Add(context.Background(), Params{Query: q, FetchMode: FetchModeClient})
	second := tr.Add(context.Background(), Params{Query: rootQuery("ViewerQuery", "viewer"), FetchMode: FetchModeClient})
	require.Same(t, first, second, "same query id shares the fetch")
	require.True(t, tr.HasPendingQueries())
	require.Empty(t, layer.batches, "dispatch waits for the end of the turn")

	l.Drain()
	require.Len(t, layer.batches, 1)
	require.Len(t, layer.batches[0], 1)
	require.Same(t, q, layer.batches[0][0].Query())
}

func TestTrackerBatchesPerTurn(t *testing.T) {
	l := loop.New()
	layer := &layerMock{}
	tr := NewTracker(l, layer)

	tr.Add(context.Background(), Params{Query: rootQuery("A", "viewer")})
	tr.Add(context.Background(), Params{Query: rootQuery("B", "me")})
	l.Drain()
	require.Len(t, layer.batches, 1)
	require.Len(t, layer.batches[0], 2)

	tr.Add(context.Background(), Params{Query: rootQuery("C", "settings")})
	l.Drain()
	require.Len(t, layer.batches, 2)
}

func TestTrackerResolves(t *testing.T) {
	l := loop.New()
	layer := &layerMock{}
	w := &writerMock{}
	tr := NewTracker(l, layer, WithWriter(w))

	f := tr.Add(context.Background(), Params{Query: rootQuery("ViewerQuery", "viewer"), FetchMode: FetchModeRefetch, ForceIndex: 3})
	var results []error
	f.ResolvedFuture().Then(func(err error) { results = append(results, err) })
	l.Drain()

	data := map[string]any{"viewer": map[string]any{"name": "Zuck"}}
	layer.batches[0][0].Resolve(&network.Response{Data: data})
	require.True(t, f.Resolvable(), "resolvable as soon as the response arrives")
	require.Empty(t, w.calls, "payload is written on the loop")

	l.Drain()
	if diff := cmp.Diff([]writeCall{{Name: "ViewerQuery", Data: data, ForceIndex: 3}}, w.calls); diff != "" {
		t.Fatalf("writes mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []error{nil}, results)
	require.True(t, f.ResolvedFuture().Settled())
	require.False(t, tr.HasPendingQueries())

	t.Run("Observers added after settling still run", func(t *testing.T) {
		called := false
		f.ResolvedFuture().Then(func(err error) { called = err == nil })
		require.False(t, called)
		l.Drain()
		require.True(t, called)
	})

	t.Run("A settled query is fetched again", func(t *testing.T) {
		again := tr.Add(context.Background(), Params{Query: rootQuery("ViewerQuery", "viewer")})
		require.NotSame(t, f, again)
	})
}

func TestTrackerFailures(t *testing.T) {
	t.Run("Network error", func(t *testing.T) {
		l := loop.New()
		layer := &layerMock{}
		w := &writerMock{}
		tr := NewTracker(l, layer, WithWriter(w))

		f := tr.Add(context.Background(), Params{Query: rootQuery("ViewerQuery", "viewer")})
		l.Drain()
		boom := errors.New("boom")
		layer.batches[0][0].Reject(boom)
		require.False(t, f.Resolvable())
		l.Drain()

		require.ErrorIs(t, f.ResolvedFuture().Err(), boom)
		require.Empty(t, w.calls)
		require.False(t, tr.HasPendingQueries())
	})

	t.Run("Writer error", func(t *testing.T) {
		l := loop.New()
		layer := &layerMock{}
		bad := errors.New("bad payload")
		tr := NewTracker(l, layer, WithWriter(&writerMock{err: bad}))

		f := tr.Add(context.Background(), Params{Query: rootQuery("ViewerQuery", "viewer")})
		l.Drain()
		layer.batches[0][0].Resolve(&network.Response{Data: map[string]any{}})
		l.Drain()

		require.ErrorIs(t, f.ResolvedFuture().Err(), bad)
		require.False(t, f.Resolvable())
	})
}

func TestTrackerEvents(t *testing.T) {
	l := loop.New()
	layer := &layerMock{}
	bus := eventbus.New()
	var log []string
	defer eventbus.Subscribe(bus, func(_ context.Context, e events.FetchStart) { log = append(log, "start "+e.QueryName) })()
	defer eventbus.Subscribe(bus, func(_ context.Context, e events.FetchFinish) { log = append(log, "finish "+e.QueryName) })()

	tr := NewTracker(l, layer, WithEventBus(bus))
	tr.Add(context.Background(), Params{Query: rootQuery("ViewerQuery", "viewer")})
	l.Drain()
	layer.batches[0][0].Resolve(&network.Response{})
	l.Drain()

	require.Equal(t, []string{"start ViewerQuery", "finish ViewerQuery"}, log)
}
