// Package writer normalizes query payloads into a MemoryStore.
//
// Records with an `id` keep it; other records get client ids, reusing the
// client id already linked at the same place. Connection edges are merged
// into the stored range according to the range calls of the query.
package writer

import (
	"errors"
	"fmt"
	"strconv"

	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

// ErrMalformedPayload indicates a payload whose shape does not match the
// query.
var ErrMalformedPayload = errors.New("writer: malformed payload")

type Writer struct {
	store *store.MemoryStore
	newID func() string
}

type Option func(*Writer)

// WithClientIDs replaces the client id generator.
func WithClientIDs(f func() string) Option { return func(w *Writer) { w.newID = f } }

func New(st *store.MemoryStore, opts ...Option) *Writer {
	w := &Writer{store: st, newID: query.NewClientID}
	for _, o := range opts {
		o(w)
	}
	return w
}

// HandleQueryPayload writes the payload of root. A positive forceIndex
// replaces stored ranges instead of merging into them.
func (w *Writer) HandleQueryPayload(root *query.Node, data map[string]any, forceIndex int) error {
	if !root.IsRoot() {
		return fmt.Errorf("writer: %s is not a root query", root.Name())
	}
	value, ok := data[root.FieldName()]
	if !ok {
		return fmt.Errorf("%w: no %q in payload of %s", ErrMalformedPayload, root.FieldName(), root.Name())
	}
	args := root.RootCallArgs()
	if !root.IsBatched() {
		return w.writeRoot(root, args[0], value, forceIndex)
	}
	list, ok := value.([]any)
	if !ok || len(list) != len(args) {
		return fmt.Errorf("%w: %s expects %d results", ErrMalformedPayload, root.Name(), len(args))
	}
	for i, arg := range args {
		if err := w.writeRoot(root, arg, list[i], forceIndex); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeRoot(root *query.Node, arg query.RootCallArg, value any, forceIndex int) error {
	if value == nil {
		if root.FieldName() == query.NodeField && arg.Key != "" {
			w.store.Delete(arg.Key)
		}
		return nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: root %s is %T", ErrMalformedPayload, root.Name(), value)
	}
	existing, _ := w.store.DataID(root.StorageKey(), arg.Key)
	id := w.recordID(obj, existing)
	w.store.SetRoot(root.StorageKey(), arg.Key, id)
	return w.writeRecord(root, id, obj, forceIndex)
}

// recordID returns the id of obj, falling back to the client id already
// stored at its place or a new one.
func (w *Writer) recordID(obj map[string]any, existing string) string {
	if id, ok := obj[query.IDField].(string); ok && id != "" {
		return id
	}
	if existing != "" && query.IsClientID(existing) {
		return existing
	}
	return w.newID()
}

func (w *Writer) writeRecord(n *query.Node, id string, obj map[string]any, forceIndex int) error {
	typename, _ := obj[query.TypenameField].(string)
	if typename == "" {
		typename = w.store.Type(id)
	}
	if typename == "" && !n.IsAbstract() && n.Type() != query.NodeType {
		typename = n.Type()
	}
	w.store.SetType(id, typename)
	return w.writeSelections(n, id, obj, forceIndex)
}

func (w *Writer) writeSelections(n *query.Node, id string, obj map[string]any, forceIndex int) error {
	for _, child := range n.Children() {
		if child.IsFragment() {
			if query.IsCompatibleType(child, w.store.Type(id)) {
				if err := w.writeSelections(child, id, obj, forceIndex); err != nil {
					return err
				}
			}
			continue
		}
		value, ok := obj[child.ApplicationName()]
		if !ok {
			continue
		}
		if err := w.writeField(child, id, value, forceIndex); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeField(f *query.Node, id string, value any, forceIndex int) error {
	key := f.StorageKey()
	switch {
	case f.IsScalar():
		w.store.SetField(id, key, value)
		return nil
	case value == nil && f.IsPlural():
		w.store.SetLinks(id, key, nil)
		return nil
	case value == nil:
		w.store.SetNullLink(id, key)
		return nil
	case f.IsPlural():
		return w.writePlural(f, id, value, forceIndex)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: %s is %T", ErrMalformedPayload, f.ApplicationName(), value)
	}
	existing, _ := w.store.LinkedRecordID(id, key)
	next := w.recordID(obj, existing)
	if f.IsConnection() {
		// Connection records are owned by their parent.
		next = existing
		if next == "" || !query.IsClientID(next) {
			next = w.newID()
		}
	}
	w.store.SetLink(id, key, next)
	if f.IsConnection() {
		return w.writeConnection(f, next, obj, forceIndex)
	}
	return w.writeRecord(f, next, obj, forceIndex)
}

func (w *Writer) writePlural(f *query.Node, id string, value any, forceIndex int) error {
	list, ok := value.([]any)
	if !ok {
		return fmt.Errorf("%w: %s is %T, want a list", ErrMalformedPayload, f.ApplicationName(), value)
	}
	existing, _ := w.store.LinkedRecordIDs(id, f.StorageKey())
	ids := make([]string, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			if item == nil {
				continue
			}
			return fmt.Errorf("%w: %s[%d] is %T", ErrMalformedPayload, f.ApplicationName(), i, item)
		}
		prev := ""
		if i < len(existing) {
			prev = existing[i]
		}
		itemID := w.recordID(obj, prev)
		if err := w.writeRecord(f, itemID, obj, forceIndex); err != nil {
			return err
		}
		ids = append(ids, itemID)
	}
	w.store.SetLinks(id, f.StorageKey(), ids)
	return nil
}

func (w *Writer) writeConnection(f *query.Node, id string, obj map[string]any, forceIndex int) error {
	typename, _ := obj[query.TypenameField].(string)
	if typename == "" {
		typename = f.Type()
	}
	w.store.SetType(id, typename)

	var (
		edgesField, pageInfoField *query.Node
		metadata                  []*query.Node
	)
	for _, child := range f.Children() {
		switch {
		case child.IsField() && child.SchemaName() == query.EdgesField:
			edgesField = child
		case child.IsField() && child.SchemaName() == query.PageInfoField:
			pageInfoField = child
		default:
			metadata = append(metadata, child)
		}
	}
	meta := query.NewField(query.FieldConfig{SchemaName: f.SchemaName(), Type: f.Type(), Children: metadata})
	if err := w.writeSelections(meta, id, obj, forceIndex); err != nil {
		return err
	}
	if edgesField == nil {
		return nil
	}
	rawEdges, ok := obj[edgesField.ApplicationName()]
	if !ok || rawEdges == nil {
		return nil
	}
	list, ok := rawEdges.([]any)
	if !ok {
		return fmt.Errorf("%w: %s.edges is %T", ErrMalformedPayload, f.ApplicationName(), rawEdges)
	}

	edges := make([]store.RangeEdge, 0, len(list))
	for i, item := range list {
		edge, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s.edges[%d] is %T", ErrMalformedPayload, f.ApplicationName(), i, item)
		}
		cursor, _ := edge[query.CursorField].(string)
		edgeID := edgeRecordID(id, edge, cursor, i)
		if err := w.writeRecord(edgesField, edgeID, edge, forceIndex); err != nil {
			return err
		}
		edges = append(edges, store.RangeEdge{ID: edgeID, Cursor: cursor})
	}

	var hasNext, hasPrev bool
	if pageInfoField != nil {
		if info, ok := obj[pageInfoField.ApplicationName()].(map[string]any); ok {
			hasNext, _ = info[query.HasNextPage].(bool)
			hasPrev, _ = info[query.HasPreviousPage].(bool)
		}
	}
	var prev *store.Range
	if forceIndex == 0 {
		if r := w.store.Record(id); r != nil {
			prev = r.Range
		}
	}
	w.store.SetRange(id, mergeRange(prev, f.Calls(), edges, hasNext, hasPrev))
	return nil
}

// edgeRecordID derives a stable client id for an edge from its node id,
// falling back to the cursor and then the position.
func edgeRecordID(connectionID string, edge map[string]any, cursor string, i int) string {
	if node, ok := edge[query.NodeField].(map[string]any); ok {
		if nodeID, ok := node[query.IDField].(string); ok && nodeID != "" {
			return connectionID + ":" + nodeID
		}
	}
	if cursor != "" {
		return connectionID + ":cursor:" + cursor
	}
	return connectionID + ":" + strconv.Itoa(i)
}

// mergeRange merges fetched edges into the stored range. A page continuing
// after a known cursor is appended, one ending before a known cursor is
// prepended; anything else replaces the range.
func mergeRange(prev *store.Range, calls []query.Call, edges []store.RangeEdge, hasNext, hasPrev bool) store.Range {
	var after, before string
	for _, c := range calls {
		switch c.Name {
		case "after":
			after = query.ArgKey(c.Value)
		case "before":
			before = query.ArgKey(c.Value)
		}
	}
	if prev != nil && after != "" {
		if i := indexOf(prev.Edges, after); i >= 0 {
			merged := append(append([]store.RangeEdge(nil), prev.Edges[:i+1]...), edges...)
			return store.Range{Edges: merged, HasNextPage: hasNext, HasPreviousPage: prev.HasPreviousPage}
		}
	}
	if prev != nil && before != "" {
		if i := indexOf(prev.Edges, before); i >= 0 {
			merged := append(append([]store.RangeEdge(nil), edges...), prev.Edges[i:]...)
			return store.Range{Edges: merged, HasNextPage: prev.HasNextPage, HasPreviousPage: hasPrev}
		}
	}
	return store.Range{Edges: edges, HasNextPage: hasNext, HasPreviousPage: hasPrev || after != ""}
}

func indexOf(edges []store.RangeEdge, cursor string) int {
	for i, e := range edges {
		if e.Cursor == cursor {
			return i
		}
	}
	return -1
}
