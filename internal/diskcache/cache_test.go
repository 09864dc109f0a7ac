package diskcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	compile "github.com/hanpama/graphcache/internal/compile"
	"github.com/hanpama/graphcache/internal/diag"
	loop "github.com/hanpama/graphcache/internal/loop"
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

func seed() *store.MemoryStore {
	s := store.NewMemoryStore(nil)
	s.SetRoot("viewer", "", "client:1")
	s.SetLink("client:1", "actor", "4")
	s.SetType("4", "User")
	s.SetField("4", "id", "4")
	s.SetField("4", "name", "Zuck")
	s.SetLink("4", "friends", "client:2")
	s.SetField("client:2", "count", 1)
	s.SetRange("client:2", store.Range{Edges: []store.RangeEdge{{ID: "client:2:1", Cursor: "c1"}}})
	s.SetField("client:2:1", "cursor", "c1")
	s.SetLink("client:2:1", "node", "1")
	s.SetType("1", "User")
	s.SetField("1", "id", "1")
	s.SetField("1", "name", "A")
	s.SetField("99", "name", "unrelated")
	return s
}

func viewerQueries(t *testing.T) map[string]*query.Node {
	t.Helper()
	roots, err := compile.Compile(`
		query ViewerQuery {
		  viewer {
		    actor @type(name: "User") @node {
		      name
		      friends(first: 1) @connection {
		        count
		        edges { node @type(name: "User") { name } }
		      }
		    }
		  }
		}`, nil)
	require.NoError(t, err)
	return roots
}

type outcome struct {
	success, failure int
	err              error
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func() { o.success++ },
		OnFailure: func(err error) {
			o.failure++
			o.err = err
		},
	}
}

func openCache(t *testing.T, st *store.MemoryStore, l *loop.Loop, opts ...Option) *Cache {
	t.Helper()
	c, err := Open(InMemoryConfig(), st, l, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestRestore(t *testing.T) {
	l := loop.New()
	st := store.NewMemoryStore(nil)
	c := openCache(t, st, l)
	require.NoError(t, c.WriteSnapshot(seed().Snapshot()))

	var o outcome
	c.ReadFromDiskCache(viewerQueries(t), o.callbacks())
	c.Wait()
	require.Equal(t, outcome{}, o, "results are delivered on the loop")
	l.Drain()

	require.Equal(t, outcome{success: 1}, o)
	v, lookup := st.Field("1", "name")
	require.Equal(t, store.Present, lookup)
	require.Equal(t, "A", v)
	require.Equal(t, store.Unknown, st.RecordState("99"), "only selected records are restored")
}

func TestRestoreKeepsStoreRecords(t *testing.T) {
	l := loop.New()
	st := store.NewMemoryStore(nil)
	c := openCache(t, st, l)
	require.NoError(t, c.WriteSnapshot(seed().Snapshot()))

	st.SetType("4", "User")
	st.SetField("4", "name", "Mark")

	var o outcome
	c.ReadFromDiskCache(viewerQueries(t), o.callbacks())
	c.Wait()
	l.Drain()

	v, _ := st.Field("4", "name")
	require.Equal(t, "Mark", v)
}

func TestRestoreIncomplete(t *testing.T) {
	l := loop.New()
	st := store.NewMemoryStore(nil)
	c := openCache(t, st, l)

	partial := seed()
	partial.SetField("1", "name", nil)
	snap := partial.Snapshot()
	delete(snap.Records, "client:2:1")
	require.NoError(t, c.WriteSnapshot(snap))

	var o outcome
	c.ReadFromDiskCache(viewerQueries(t), o.callbacks())
	c.Wait()
	l.Drain()
	require.Equal(t, 1, o.failure)
	require.ErrorIs(t, o.err, ErrIncomplete)

	t.Run("Empty cache", func(t *testing.T) {
		l := loop.New()
		rec := &diag.Recorder{}
		c := openCache(t, store.NewMemoryStore(nil), l, WithDiagnostics(rec))
		var o outcome
		c.ReadFromDiskCache(viewerQueries(t), o.callbacks())
		c.Wait()
		l.Drain()
		require.Equal(t, 1, o.failure)
		require.ErrorIs(t, o.err, ErrIncomplete)
		require.Empty(t, rec.Diagnostics(), "missing data is not an error")
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, store.NewMemoryStore(nil), loop.New())
	require.Error(t, err)
}
