package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	query "github.com/hanpama/graphcache/internal/query"
	runid "github.com/hanpama/graphcache/internal/runid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func viewerQuery() *query.Node {
	return query.NewRoot(query.RootConfig{
		Name:      "ViewerQuery",
		FieldName: "viewer",
		Children:  []*query.Node{query.NewField(query.FieldConfig{SchemaName: "name"})},
	})
}

type outcome struct {
	resp *Response
	err  error
}

// sendAll sends the queries and waits for every request to complete.
func sendAll(t *testing.T, l *HTTPLayer, ctx context.Context, qs ...*query.Node) []outcome {
	t.Helper()
	out := make([]outcome, len(qs))
	var wg sync.WaitGroup
	reqs := make([]*Request, len(qs))
	for i, q := range qs {
		i := i
		wg.Add(1)
		reqs[i] = NewRequest(q, func(resp *Response, err error) {
			out[i] = outcome{resp, err}
			wg.Done()
		})
	}
	l.SendQueries(ctx, reqs)
	wg.Wait()
	l.Wait()
	return out
}

func TestHTTPLayer(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []GraphQLRequest
		runIDs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body GraphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, body)
		runIDs = append(runIDs, r.Header.Get(RunIDHeader))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"viewer":{"name":"Zuck"}}}`))
	}))
	defer srv.Close()

	bus := eventbus.New()
	var statuses []int
	unsubscribe := eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
		mu.Lock()
		statuses = append(statuses, e.Status)
		mu.Unlock()
	})
	defer unsubscribe()

	l := NewHTTPLayer(WithEndpoint(srv.URL), WithEventBus(bus))
	ctx, id := runid.NewContext(context.Background())
	got := sendAll(t, l, ctx, viewerQuery())

	require.NoError(t, got[0].err)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Zuck"}}, got[0].resp.Data)
	require.Len(t, bodies, 1)
	require.Equal(t, "ViewerQuery", bodies[0].OperationName)
	require.Contains(t, bodies[0].Query, "viewer")
	require.Equal(t, []string{id}, runIDs)
	require.Equal(t, []int{http.StatusOK}, statuses)
}

func TestHTTPLayerIdenticalRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"viewer":{"name":"Zuck"}}}`))
	}))
	defer srv.Close()

	l := NewHTTPLayer(WithEndpoint(srv.URL))
	got := sendAll(t, l, context.Background(), viewerQuery(), viewerQuery())
	for _, o := range got {
		require.NoError(t, o.err)
		require.Equal(t, "Zuck", o.resp.Data["viewer"].(map[string]any)["name"])
	}
}

func TestHTTPLayerErrors(t *testing.T) {
	t.Run("GraphQL errors reject the request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"boom"}]}`))
		}))
		defer srv.Close()

		got := sendAll(t, NewHTTPLayer(WithEndpoint(srv.URL)), context.Background(), viewerQuery())
		var qerr *QueryError
		require.ErrorAs(t, got[0].err, &qerr)
		require.Equal(t, "ViewerQuery", qerr.Query)
		require.Equal(t, "server request for query ViewerQuery failed: boom", qerr.Error())
	})

	t.Run("Status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		got := sendAll(t, NewHTTPLayer(WithEndpoint(srv.URL)), context.Background(), viewerQuery())
		require.ErrorIs(t, got[0].err, ErrHTTPStatus)
	})

	t.Run("Malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		got := sendAll(t, NewHTTPLayer(WithEndpoint(srv.URL)), context.Background(), viewerQuery())
		require.ErrorIs(t, got[0].err, ErrMalformedResponse)
	})

	t.Run("No endpoint", func(t *testing.T) {
		got := sendAll(t, NewHTTPLayer(), context.Background(), viewerQuery())
		require.ErrorIs(t, got[0].err, ErrNoEndpoint)
	})
}

func TestRequestCompletesOnce(t *testing.T) {
	calls := 0
	r := NewRequest(viewerQuery(), func(*Response, error) { calls++ })
	r.Resolve(&Response{})
	r.Reject(ErrNoEndpoint)
	require.Equal(t, 1, calls)
}

func TestSupports(t *testing.T) {
	l := NewHTTPLayer(WithFeatures(FeatureDefer))
	require.True(t, l.Supports(FeatureDefer))
	require.True(t, l.Supports())
	require.False(t, l.Supports(FeatureDefer, "subscriptions"))
	require.False(t, NewHTTPLayer().Supports(FeatureDefer))
}
