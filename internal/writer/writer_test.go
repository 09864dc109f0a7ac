package writer

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	availability "github.com/hanpama/graphcache/internal/availability"
	compile "github.com/hanpama/graphcache/internal/compile"
	diff "github.com/hanpama/graphcache/internal/diff"
	query "github.com/hanpama/graphcache/internal/query"
	reader "github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/store"
)

const friendsDoc = `
query FriendsQuery($count: Int) {
  viewer {
    actor @type(name: "User") @node {
      name
      friends(first: $count) @connection @type(name: "FriendsConnection") {
        count
        edges {
          node @type(name: "User") {
            name
          }
        }
      }
    }
  }
}`

func viewerQuery(t *testing.T, count int) *query.Node {
	t.Helper()
	roots, err := compile.Compile(friendsDoc, map[string]any{"count": count})
	require.NoError(t, err)
	return roots["viewer"]
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func sequentialIDs() Option {
	n := 0
	return WithClientIDs(func() string {
		n++
		return fmt.Sprintf("client:%d", n)
	})
}

func findField(n *query.Node, name string) *query.Node {
	for _, c := range n.Children() {
		if c.IsField() && c.SchemaName() == name {
			return c
		}
	}
	return nil
}

const firstPage = `{"viewer": {"actor": {"id": "4", "name": "Zuck", "friends": {
	"count": 3,
	"edges": [
		{"cursor": "c1", "node": {"id": "1", "name": "A"}},
		{"cursor": "c2", "node": {"id": "2", "name": "B"}}
	],
	"page_info": {"has_next_page": true, "has_previous_page": false}
}}}}`

func TestWriteThenDiffConverges(t *testing.T) {
	st := store.NewMemoryStore(nil)
	w := New(st, sequentialIDs())

	q2 := viewerQuery(t, 2)
	diffs, err := diff.Diff(q2, st, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1, "an empty store fetches the whole query")

	require.NoError(t, w.HandleQueryPayload(diffs[0], decode(t, firstPage), 0))

	diffs, err = diff.Diff(q2, st, nil)
	require.NoError(t, err)
	require.Empty(t, diffs)
	require.True(t, availability.IsAvailable(q2, st))

	t.Run("A longer page asks for the rest", func(t *testing.T) {
		q3 := viewerQuery(t, 3)
		require.False(t, availability.IsAvailable(q3, st))
		diffs, err := diff.Diff(q3, st, nil)
		require.NoError(t, err)
		require.Len(t, diffs, 1)

		actor := findField(diffs[0], "actor")
		require.NotNil(t, actor)
		friends := findField(actor, "friends")
		require.NotNil(t, friends)
		if d := cmp.Diff([]query.Call{{Name: "after", Value: "c2"}, {Name: "first", Value: 1}}, friends.Calls()); d != "" {
			t.Fatalf("diff calls mismatch (-want +got):\n%s", d)
		}

		secondPage := `{"viewer": {"actor": {"id": "4", "friends": {
			"edges": [{"cursor": "c3", "node": {"id": "3", "name": "C"}}],
			"page_info": {"has_next_page": false, "has_previous_page": true}
		}}}}`
		require.NoError(t, w.HandleQueryPayload(diffs[0], decode(t, secondPage), 0))

		diffs, err = diff.Diff(q3, st, nil)
		require.NoError(t, err)
		require.Empty(t, diffs)

		rootID, ok := st.DataID("viewer", "")
		require.True(t, ok)
		data := reader.Read(st, q3, rootID).Data.(map[string]any)
		edges := data["actor"].(map[string]any)["friends"].(map[string]any)["edges"].([]any)
		var names []string
		for _, e := range edges {
			names = append(names, e.(map[string]any)["node"].(map[string]any)["name"].(string))
		}
		require.Equal(t, []string{"A", "B", "C"}, names)
	})

	t.Run("Forced payloads replace the range", func(t *testing.T) {
		refetched := `{"viewer": {"actor": {"id": "4", "name": "Zuck", "friends": {
			"count": 1,
			"edges": [{"cursor": "c9", "node": {"id": "9", "name": "Z"}}],
			"page_info": {"has_next_page": false, "has_previous_page": false}
		}}}}`
		require.NoError(t, w.HandleQueryPayload(q2, decode(t, refetched), 1))

		connID, l := st.LinkedRecordID("4", "friends")
		require.Equal(t, store.Present, l)
		require.Equal(t, []store.RangeEdge{{ID: connID + ":9", Cursor: "c9"}}, st.Record(connID).Range.Edges)
	})
}

func TestWriteRecords(t *testing.T) {
	t.Run("Client ids are reused", func(t *testing.T) {
		st := store.NewMemoryStore(nil)
		w := New(st, sequentialIDs())
		roots, err := compile.Compile(`query { viewer { tags @plural { label } } }`, nil)
		require.NoError(t, err)
		q := roots["viewer"]
		payload := `{"viewer": {"tags": [{"label": "a"}, {"label": "b"}]}}`

		require.NoError(t, w.HandleQueryPayload(q, decode(t, payload), 0))
		rootID, _ := st.DataID("viewer", "")
		first, l := st.LinkedRecordIDs(rootID, "tags")
		require.Equal(t, store.Present, l)
		require.Len(t, first, 2)

		require.NoError(t, w.HandleQueryPayload(q, decode(t, payload), 0))
		again, _ := st.DataID("viewer", "")
		require.Equal(t, rootID, again)
		second, _ := st.LinkedRecordIDs(rootID, "tags")
		require.Equal(t, first, second)
		v, _ := st.Field(second[1], "label")
		require.Equal(t, "b", v)
	})

	t.Run("Null nodes are deleted", func(t *testing.T) {
		st := store.NewMemoryStore(nil)
		roots, err := compile.Compile(`query { node(id: "9") { name } }`, nil)
		require.NoError(t, err)
		require.NoError(t, New(st).HandleQueryPayload(roots["node"], decode(t, `{"node": null}`), 0))
		require.Equal(t, store.Nonexistent, st.RecordState("9"))
	})

	t.Run("Null links and scalars are known", func(t *testing.T) {
		st := store.NewMemoryStore(nil)
		roots, err := compile.Compile(`query { node(id: "4") { nickname hometown { name } } }`, nil)
		require.NoError(t, err)
		payload := `{"node": {"id": "4", "__typename": "User", "nickname": null, "hometown": null}}`
		require.NoError(t, New(st).HandleQueryPayload(roots["node"], decode(t, payload), 0))

		require.Equal(t, "User", st.Type("4"))
		_, l := st.Field("4", "nickname")
		require.Equal(t, store.Null, l)
		_, l = st.LinkedRecordID("4", "hometown")
		require.Equal(t, store.Null, l)
		require.True(t, availability.IsAvailable(roots["node"], st))
	})

	t.Run("Batched roots", func(t *testing.T) {
		st := store.NewMemoryStore(nil)
		roots, err := compile.Compile(`query { nodes(ids: ["1", "2"]) { name } }`, nil)
		require.NoError(t, err)
		payload := `{"nodes": [{"id": "1", "name": "A"}, {"id": "2", "name": "B"}]}`
		require.NoError(t, New(st).HandleQueryPayload(roots["nodes"], decode(t, payload), 0))
		v, _ := st.Field("2", "name")
		require.Equal(t, "B", v)

		err = New(st).HandleQueryPayload(roots["nodes"], decode(t, `{"nodes": [{"id": "1"}]}`), 0)
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("Malformed payloads", func(t *testing.T) {
		st := store.NewMemoryStore(nil)
		q := viewerQuery(t, 2)
		require.ErrorIs(t, New(st).HandleQueryPayload(q, map[string]any{}, 0), ErrMalformedPayload)
		require.ErrorIs(t, New(st).HandleQueryPayload(q, map[string]any{"viewer": "nope"}, 0), ErrMalformedPayload)
		require.ErrorIs(t, New(st).HandleQueryPayload(q, decode(t, `{"viewer": {"actor": []}}`), 0), ErrMalformedPayload)
	})
}
