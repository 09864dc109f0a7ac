package reader

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

func scalar(name string) *query.Node { return query.NewField(query.FieldConfig{SchemaName: name}) }

func TestRead(t *testing.T) {
	s := store.NewMemoryStore(nil)
	s.SetType("4", "User")
	s.SetField("4", "name", "Zuck")
	s.SetField("4", "nickname", nil)
	s.SetLink("4", "hometown", "9")
	s.SetField("9", "name", "Palo Alto")
	s.SetLinks("4", "pets", []string{"p1", "p2"})
	s.SetField("p1", "kind", "cat")
	s.Delete("p2")

	hometown := query.NewField(query.FieldConfig{SchemaName: "hometown", Alias: "city", Children: []*query.Node{scalar("name")}})
	pets := query.NewField(query.FieldConfig{SchemaName: "pets", Children: []*query.Node{scalar("kind")}, Flags: query.FlagPlural})
	onPage := query.NewFragment(query.FragmentConfig{Type: "Page", Children: []*query.Node{scalar("likers")}})
	frag := query.NewFragment(query.FragmentConfig{
		Type:     "User",
		Children: []*query.Node{scalar("name"), scalar("nickname"), scalar("birthday"), hometown, pets, onPage},
	})

	got := Read(s, frag, "4")
	want := map[string]any{
		DataIDKey:  "4",
		"name":     "Zuck",
		"nickname": nil,
		"city":     map[string]any{DataIDKey: "9", "name": "Palo Alto"},
		"pets":     []any{map[string]any{DataIDKey: "p1", "kind": "cat"}, nil},
	}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]struct{}{"4": {}, "9": {}, "p1": {}, "p2": {}}, got.Touched); diff != "" {
		t.Fatalf("touched mismatch (-want +got):\n%s", diff)
	}
}

func TestReadUnknownRecord(t *testing.T) {
	s := store.NewMemoryStore(nil)
	got := Read(s, query.NewFragment(query.FragmentConfig{Type: "User", Children: []*query.Node{scalar("name")}}), "4")
	require.Nil(t, got.Data)
	require.Contains(t, got.Touched, "4")
}

func TestReadConnection(t *testing.T) {
	s := store.NewMemoryStore(nil)
	s.SetType("4", "User")
	s.SetLink("4", "friends", "client:view")
	s.AddView("client:view", "client:c")
	s.SetRange("client:c", store.Range{Edges: []store.RangeEdge{{ID: "client:e1", Cursor: "c1"}}})
	s.SetField("client:c", "count", 1)
	s.SetField("client:e1", "cursor", "c1")
	s.SetLink("client:e1", "node", "5")
	s.SetField("5", "name", "Alice")

	edges := query.NewField(query.FieldConfig{
		SchemaName: "edges",
		Children:   []*query.Node{scalar("cursor"), query.NewField(query.FieldConfig{SchemaName: "node", Children: []*query.Node{scalar("name")}})},
		Flags:      query.FlagPlural,
	})
	pageInfo := query.NewField(query.FieldConfig{SchemaName: "page_info", Children: []*query.Node{scalar("has_next_page")}})
	friends := query.NewField(query.FieldConfig{
		SchemaName: "friends",
		Calls:      []query.Call{{Name: "first", Value: 10}},
		Children:   []*query.Node{scalar("count"), edges, pageInfo},
		Flags:      query.FlagConnection,
	})
	frag := query.NewFragment(query.FragmentConfig{Type: "User", Children: []*query.Node{friends}})

	got := Read(s, frag, "4")
	want := map[string]any{
		DataIDKey: "4",
		"friends": map[string]any{
			DataIDKey: "client:c",
			"count":   1,
			"edges": []any{map[string]any{
				DataIDKey: "client:e1",
				"cursor":  "c1",
				"node":    map[string]any{DataIDKey: "5", "name": "Alice"},
			}},
			"page_info": map[string]any{"has_next_page": false},
		},
	}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, got.Touched, "client:view")
	require.Contains(t, got.Touched, "client:c", "the canonical connection record is subscribed")
}
