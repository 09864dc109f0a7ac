// Package reader reads the data a query node selects at a record.
//
// Results are trees of map[string]any keyed by application name (alias or
// schema name) and []any for plural fields. Every object carries its record
// id under DataIDKey. A record that is unknown reads as nil; so does a
// record known not to exist. Reading also reports every record id it
// touched, which is the set a live view must subscribe to.
package reader

import (
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

// DataIDKey is the key under which an object's record id is read.
const DataIDKey = "__dataID__"

// Result is the outcome of Read.
type Result struct {
	Data    any
	Touched map[string]struct{}
}

type readState struct {
	store   store.Reader
	touched map[string]struct{}
}

// Read reads node (a fragment, root or field) at id.
func Read(st store.Reader, node *query.Node, id string) Result {
	state := &readState{store: st, touched: make(map[string]struct{})}
	data := state.readRecord(node, id, nil)
	if data == nil {
		return Result{Touched: state.touched}
	}
	return Result{Data: data, Touched: state.touched}
}

// readRecord reads the children of node at id. rangeInfo is set when id is
// a connection record read through a range.
func (s *readState) readRecord(node *query.Node, id string, rangeInfo *store.RangeInfo) map[string]any {
	s.touched[id] = struct{}{}
	if s.store.RecordState(id) != store.Existent {
		return nil
	}
	out := map[string]any{DataIDKey: id}
	s.readSelections(node, id, rangeInfo, out)
	return out
}

func (s *readState) readSelections(node *query.Node, id string, rangeInfo *store.RangeInfo, out map[string]any) {
	for _, child := range node.Children() {
		if child.IsFragment() {
			if query.IsCompatibleType(child, s.store.Type(id)) {
				s.readSelections(child, id, rangeInfo, out)
			}
			continue
		}
		name := child.ApplicationName()
		switch {
		case rangeInfo != nil && child.SchemaName() == query.EdgesField:
			out[name] = s.readEdges(child, rangeInfo)
		case rangeInfo != nil && child.SchemaName() == query.PageInfoField:
			out[name] = readPageInfo(child, rangeInfo)
		case child.IsScalar():
			v, l := s.store.Field(id, child.StorageKey())
			if l != store.Missing {
				out[name] = v
			}
		case child.IsConnection():
			s.readConnection(child, id, out)
		case child.IsPlural():
			s.readPlural(child, id, out)
		default:
			next, l := s.store.LinkedRecordID(id, child.StorageKey())
			switch l {
			case store.Null:
				out[name] = nil
			case store.Present:
				out[name] = nilIfEmpty(s.readRecord(child, next, nil))
			}
		}
	}
}

func (s *readState) readPlural(field *query.Node, id string, out map[string]any) {
	ids, l := s.store.LinkedRecordIDs(id, field.StorageKey())
	switch l {
	case store.Missing:
		return
	case store.Null:
		out[field.ApplicationName()] = nil
		return
	}
	items := make([]any, len(ids))
	for i, itemID := range ids {
		items[i] = nilIfEmpty(s.readRecord(field, itemID, nil))
	}
	out[field.ApplicationName()] = items
}

func (s *readState) readConnection(field *query.Node, id string, out map[string]any) {
	next, l := s.store.LinkedRecordID(id, field.StorageKey())
	switch l {
	case store.Missing:
		return
	case store.Null:
		out[field.ApplicationName()] = nil
		return
	}
	// A paginated view reads the canonical connection record.
	s.touched[next] = struct{}{}
	canonical := s.store.CanonicalID(next)
	info, rl := s.store.RangeMetadata(next, field.Calls())
	if rl != store.Present {
		info = nil
	}
	out[field.ApplicationName()] = nilIfEmpty(s.readRecord(field, canonical, info))
}

func (s *readState) readEdges(field *query.Node, info *store.RangeInfo) []any {
	edges := make([]any, 0, len(info.FilteredEdges))
	for _, e := range info.FilteredEdges {
		if data := s.readRecord(field, e.EdgeID, nil); data != nil {
			edges = append(edges, data)
		}
	}
	return edges
}

func readPageInfo(field *query.Node, info *store.RangeInfo) any {
	if info.PageInfo == nil {
		return nil
	}
	out := make(map[string]any)
	for _, child := range field.Children() {
		if v, ok := info.PageInfo[child.SchemaName()]; ok {
			out[child.ApplicationName()] = v
		}
	}
	return out
}

// nilIfEmpty keeps unknown records as an untyped nil.
func nilIfEmpty(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
