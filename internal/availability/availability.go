// Package availability checks whether the store holds all the data of a
// query. It follows the field rules of the diff engine, collapsed to a single
// boolean, and stops at the first missing value.
package availability

import (
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

// IsAvailable reports whether every field of root can be read from st.
func IsAvailable(root *query.Node, st store.Reader) bool {
	return query.Visit[scope, bool](checker{store: st}, root, scope{})
}

type scope struct {
	dataID     string
	connection *query.Node
	rangeInfo  *store.RangeInfo
}

type checker struct {
	store store.Reader
}

func (c checker) VisitRoot(n *query.Node, _ scope) bool {
	storageKey := n.StorageKey()
	for _, arg := range n.RootCallArgs() {
		dataID, ok := c.store.DataID(storageKey, arg.Key)
		if !ok {
			return false
		}
		if !c.traverse(n, scope{dataID: dataID}) {
			return false
		}
	}
	return true
}

func (c checker) VisitFragment(n *query.Node, s scope) bool {
	if s.dataID == "" || !query.IsCompatibleType(n, c.store.Type(s.dataID)) {
		return true
	}
	return c.traverse(n, s)
}

func (c checker) VisitField(n *query.Node, s scope) bool {
	if n.IsGenerated() {
		return true
	}
	switch c.store.RecordState(s.dataID) {
	case store.Unknown:
		return false
	case store.Nonexistent:
		return true
	}
	switch {
	case s.rangeInfo != nil && n.SchemaName() == query.EdgesField:
		return c.checkEdges(n, s)
	case s.rangeInfo != nil && n.SchemaName() == query.PageInfoField:
		return len(s.rangeInfo.DiffCalls) == 0 && s.rangeInfo.PageInfo != nil
	case n.IsScalar():
		_, l := c.store.Field(s.dataID, n.StorageKey())
		return l != store.Missing
	case n.IsPlural():
		return c.checkPlural(n, s.dataID)
	case n.IsConnection():
		return c.checkConnection(n, s.dataID)
	default:
		return c.checkLink(n, s.dataID)
	}
}

func (c checker) traverse(n *query.Node, s scope) bool {
	for _, child := range n.Children() {
		if !query.Visit[scope, bool](c, child, s) {
			return false
		}
	}
	return true
}

func (c checker) checkPlural(n *query.Node, dataID string) bool {
	ids, l := c.store.LinkedRecordIDs(dataID, n.StorageKey())
	if l == store.Missing {
		return false
	}
	if len(ids) == 0 {
		return true
	}
	if n.InferredRootCall() != query.NodeField {
		// Items reachable only through this field were fetched together.
		return c.traverse(n, scope{dataID: ids[0]})
	}
	for _, id := range ids {
		if !c.traverse(n, scope{dataID: id}) {
			return false
		}
	}
	return true
}

func (c checker) checkConnection(n *query.Node, dataID string) bool {
	id, l := c.store.LinkedRecordID(dataID, n.StorageKey())
	switch l {
	case store.Missing:
		return false
	case store.Null:
		return true
	}
	next := scope{dataID: id, connection: n}
	if info, rl := c.store.RangeMetadata(id, n.Calls()); rl == store.Present {
		next.rangeInfo = info
	}
	return c.traverse(n, next)
}

func (c checker) checkEdges(n *query.Node, s scope) bool {
	if len(s.rangeInfo.DiffCalls) > 0 {
		return false
	}
	for _, edge := range s.rangeInfo.FilteredEdges {
		nodeID, l := c.store.LinkedRecordID(edge.EdgeID, query.NodeField)
		if l != store.Present || query.IsClientID(nodeID) {
			// Nothing below an edge without a refetchable node can be fetched.
			continue
		}
		if !c.checkEdge(n, s.connection, scope{dataID: edge.EdgeID}) {
			return false
		}
	}
	return true
}

// checkEdge checks the node of an edge, and its own fields when the
// connection can refetch them with find. Requisite edge fields are never
// refetched on their own.
func (c checker) checkEdge(n, connection *query.Node, s scope) bool {
	for _, child := range n.Children() {
		switch {
		case child.IsFragment():
			if query.IsCompatibleType(child, c.store.Type(s.dataID)) && !c.checkEdge(child, connection, s) {
				return false
			}
		case child.SchemaName() == query.NodeField:
			if !query.Visit[scope, bool](c, child, s) {
				return false
			}
		case child.IsRequisite() || connection == nil || !connection.IsFindable():
		default:
			if !query.Visit[scope, bool](c, child, s) {
				return false
			}
		}
	}
	return true
}

func (c checker) checkLink(n *query.Node, dataID string) bool {
	id, l := c.store.LinkedRecordID(dataID, n.StorageKey())
	switch l {
	case store.Missing:
		return false
	case store.Null:
		return true
	}
	return c.traverse(n, scope{dataID: id})
}
