// Package diff computes the part of a query that is missing from the store.
//
// Diff walks a root query against the store record by record. Data that was
// never fetched is kept in the diff; data known to be null is not. Nested
// records that are refetchable by id are split into their own `node(id)`
// root queries, so the returned list holds the diffed root (if anything is
// left of it) followed by every split query.
//
// Alongside the diff the engine reports tracked nodes: subtrees that must be
// remembered for a record so a later refetch covers them. Tracked nodes are
// handed to a Tracker keyed by record id and path.
package diff

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hanpama/graphcache/internal/diag"
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

// ErrInvariant reports a structural invariant violation of a diff result.
var ErrInvariant = errors.New("diff: invariant violation")

var splitQueryCount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "graphcache",
	Name:      "split_query_count",
	Help:      "The total number of root queries split out of diffed queries.",
})

// Tracker receives the tracked nodes of a diff.
type Tracker interface {
	TrackNodeForID(node *query.Node, id string, path *query.Path)
}

// Outcome is the result of diffing one node. DiffNode is what still needs a
// fetch; TrackedNode is what must be remembered for the current record.
// Both are nil when the node is satisfied and nothing needs tracking.
type Outcome struct {
	DiffNode    *query.Node
	TrackedNode *query.Node
}

// Option configures Diff.
type Option func(*engine)

// WithDiagnostics reports unrefetchable data to sink.
func WithDiagnostics(sink diag.Sink) Option {
	return func(e *engine) { e.diag = sink }
}

// Diff returns the queries that fetch the data of root missing from st. It
// returns an empty list when root is fully satisfied. tracker may be nil.
func Diff(root *query.Node, st store.Reader, tracker Tracker, opts ...Option) ([]*query.Node, error) {
	if !root.IsRoot() {
		return nil, fmt.Errorf("%w: diff of a %s node", ErrInvariant, root.Kind())
	}
	e := &engine{store: st, tracker: tracker}
	for _, o := range opts {
		o(e)
	}

	path := query.NewPath(root)
	batched := root.IsBatched()
	storageKey := root.StorageKey()

	var queries []*query.Node
	for _, arg := range root.RootCallArgs() {
		nodeRoot := root
		if batched {
			if arg.Value == nil {
				return nil, fmt.Errorf("%w: batched root %q has a null identifying value", ErrInvariant, root.Name())
			}
			nodeRoot = root.CloneWithIdentifyingValue(arg.Value)
		}
		dataID, ok := st.DataID(storageKey, arg.Key)
		if !ok {
			queries = append(queries, nodeRoot)
			continue
		}
		out := query.Visit[frame, Outcome](e, nodeRoot, frame{path: path, scope: scope{dataID: dataID}})
		if out.DiffNode == nil {
			continue
		}
		if !out.DiffNode.IsRoot() {
			return nil, fmt.Errorf("%w: expected a root diff, got a %s node", ErrInvariant, out.DiffNode.Kind())
		}
		queries = append(queries, out.DiffNode)
	}
	if len(e.split) > 0 {
		splitQueryCount.Add(float64(len(e.split)))
	}
	return append(queries, e.split...), nil
}

// scope is the traversal context of one record. Inside a connection it
// carries the connection field and its range, plus the edge being visited.
type scope struct {
	dataID          string
	connectionField *query.Node
	edgeID          string
	rangeInfo       *store.RangeInfo
}

type frame struct {
	path  *query.Path
	scope scope
}

type engine struct {
	store   store.Reader
	tracker Tracker
	diag    diag.Sink
	split   []*query.Node
}

var _ query.Visitor[frame, Outcome] = (*engine)(nil)

func (e *engine) VisitRoot(n *query.Node, f frame) Outcome     { return e.traverse(n, f) }
func (e *engine) VisitFragment(n *query.Node, f frame) Outcome { return e.traverse(n, f) }

func (e *engine) VisitField(n *query.Node, f frame) Outcome {
	s := f.scope
	if s.connectionField != nil && s.rangeInfo != nil {
		if s.edgeID != "" {
			// Only `edges` are diffed per edge.
			if n.SchemaName() == query.EdgesField {
				return e.diffConnectionEdge(s.connectionField, n, f.path.Child(n, s.edgeID), s.edgeID, s.rangeInfo)
			}
			return Outcome{}
		}
		// Connection metadata: edges and page info are kept only while the
		// range has more to fetch.
		if n.SchemaName() == query.EdgesField || n.SchemaName() == query.PageInfoField {
			if len(s.rangeInfo.DiffCalls) > 0 {
				return Outcome{DiffNode: n}
			}
			return Outcome{}
		}
	}

	switch {
	case n.IsScalar():
		return e.diffScalar(n, s.dataID)
	case n.IsGenerated():
		return Outcome{DiffNode: n}
	case n.IsConnection():
		return e.diffConnection(n, f.path, s.dataID)
	case n.IsPlural():
		return e.diffPluralLink(n, f.path, s.dataID)
	default:
		return e.diffLink(n, f.path, s.dataID)
	}
}

// traverse diffs the children of n in the current scope and rebuilds n from
// the children that are missing. Requisite children are kept in both results
// but never make a node missing or tracked on their own; neither do
// generated ones.
func (e *engine) traverse(n *query.Node, f frame) Outcome {
	var (
		diffChildren, trackedChildren []*query.Node
		hasDiffField, hasTrackedField bool
	)
	s := f.scope
	for _, child := range n.Children() {
		if child.IsField() {
			out := query.Visit[frame, Outcome](e, child, f)
			if out.DiffNode != nil {
				diffChildren = append(diffChildren, out.DiffNode)
				hasDiffField = hasDiffField || !out.DiffNode.IsGenerated()
			} else if child.IsRequisite() && s.rangeInfo == nil {
				// Under connection metadata VisitField decides whether edges
				// and page info are needed.
				diffChildren = append(diffChildren, child)
			}
			if out.TrackedNode != nil {
				trackedChildren = append(trackedChildren, out.TrackedNode)
				hasTrackedField = hasTrackedField || !out.TrackedNode.IsGenerated()
			} else if child.IsRequisite() {
				trackedChildren = append(trackedChildren, child)
			}
			continue
		}
		if !query.IsCompatibleType(child, e.store.Type(s.dataID)) {
			// Fragments on another type are placeholders: kept only when
			// something else is missing.
			diffChildren = append(diffChildren, child)
			continue
		}
		out := query.Visit[frame, Outcome](e, child, f)
		if out.DiffNode != nil {
			diffChildren = append(diffChildren, out.DiffNode)
			hasDiffField = true
		}
		if out.TrackedNode != nil {
			trackedChildren = append(trackedChildren, out.TrackedNode)
			hasTrackedField = true
		}
	}

	var out Outcome
	if hasDiffField {
		out.DiffNode = n.Clone(diffChildren)
	}
	if hasTrackedField {
		out.TrackedNode = n.Clone(trackedChildren)
	}
	// Fragments are tracked through their nearest non-fragment parent.
	if e.tracker != nil && out.TrackedNode != nil && !out.TrackedNode.IsFragment() {
		e.tracker.TrackNodeForID(out.TrackedNode, s.dataID, f.path)
	}
	return out
}

func (e *engine) diffScalar(n *query.Node, dataID string) Outcome {
	if _, l := e.store.Field(dataID, n.StorageKey()); l == store.Missing {
		return Outcome{DiffNode: n}
	}
	return Outcome{}
}

func (e *engine) diffLink(n *query.Node, path *query.Path, dataID string) Outcome {
	next, l := e.store.LinkedRecordID(dataID, n.StorageKey())
	switch l {
	case store.Missing:
		return Outcome{DiffNode: n}
	case store.Null:
		return e.trackOnly(n)
	}
	return e.traverse(n, frame{path: path.Child(n, next), scope: scope{dataID: next}})
}

func (e *engine) diffPluralLink(n *query.Node, path *query.Path, dataID string) Outcome {
	ids, l := e.store.LinkedRecordIDs(dataID, n.StorageKey())
	switch {
	case l == store.Missing:
		return Outcome{DiffNode: n}
	case l == store.Null || len(ids) == 0:
		return e.trackOnly(n)
	case n.InferredRootCall() == query.NodeField:
		// Items are refetchable by id and may have been filled in from
		// elsewhere, so each one is diffed and split on its own.
		split := false
		for _, id := range ids {
			out := e.traverse(n, frame{path: path.Child(n, id), scope: scope{dataID: id}})
			split = split || out.TrackedNode != nil || out.DiffNode != nil
			if out.DiffNode != nil {
				e.splitQuery(query.BuildNodeRoot(id, out.DiffNode.Children(), path.Name(), n.Type()))
			}
		}
		if split {
			return Outcome{TrackedNode: n}
		}
		return Outcome{}
	default:
		// Items are only reachable through this field, so the first one
		// tells which fields were fetched for all of them.
		id := ids[0]
		return e.traverse(n, frame{path: path.Child(n, id), scope: scope{dataID: id}})
	}
}

func (e *engine) diffConnection(n *query.Node, path *query.Path, dataID string) Outcome {
	connectionID, l := e.store.LinkedRecordID(dataID, n.StorageKey())
	switch l {
	case store.Missing:
		return Outcome{DiffNode: n}
	case store.Null:
		return e.trackOnly(n)
	}
	rangeInfo, rl := e.store.RangeMetadata(connectionID, n.Calls())
	if rl != store.Present || rangeInfo == nil {
		// No edges fetched yet: metadata fields diff as a plain link.
		return e.traverse(n, frame{path: path.Child(n, connectionID), scope: scope{dataID: connectionID}})
	}

	split := false
	for _, edge := range rangeInfo.FilteredEdges {
		out := e.traverse(n, frame{
			path: path.Child(n, edge.EdgeID),
			scope: scope{
				dataID:          connectionID,
				connectionField: n,
				edgeID:          edge.EdgeID,
				rangeInfo:       rangeInfo,
			},
		})
		split = split || out.TrackedNode != nil
	}

	// Metadata fields such as `count`; edges are skipped without an edge id.
	out := e.traverse(n, frame{
		path:  path.Child(n, connectionID),
		scope: scope{dataID: connectionID, connectionField: n, rangeInfo: rangeInfo},
	})
	if len(rangeInfo.DiffCalls) > 0 && out.DiffNode != nil && out.DiffNode.IsField() {
		out.DiffNode = out.DiffNode.CloneWithCalls(out.DiffNode.Children(), rangeInfo.DiffCalls)
	}
	// A split edge cannot be reconstructed from the split queries alone.
	if split {
		out.TrackedNode = n
	}
	return out
}

// diffConnectionEdge never returns a diff node: missing data of an edge is
// refetched through split queries. The returned tracked node only tells
// diffConnection that the whole connection must be tracked.
func (e *engine) diffConnectionEdge(connection, edges *query.Node, path *query.Path, edgeID string, rangeInfo *store.RangeInfo) Outcome {
	out := e.traverse(edges, frame{path: path, scope: scope{dataID: edgeID}})
	if out.DiffNode == nil {
		return Outcome{TrackedNode: out.TrackedNode}
	}

	nodeID, l := e.store.LinkedRecordID(edgeID, query.NodeField)
	if l != store.Present || query.IsClientID(nodeID) {
		if !connection.IsConnectionWithoutNodeID() {
			diag.Warn(e.diag, diag.UnrefetchableNode,
				"field `node` on connection `%s` cannot be retrieved without an `id` field", connection.StorageKey())
		}
		return Outcome{TrackedNode: out.TrackedNode}
	}

	split := false
	nodeDiff, edgeDiff := splitNodeAndEdgesFields(out.DiffNode)
	if len(nodeDiff) > 0 {
		nodeField := edges.FieldByStorageKey(query.NodeField)
		typ := query.NodeType
		if nodeField != nil {
			typ = nodeField.Type()
		}
		split = true
		e.splitQuery(query.BuildNodeRoot(nodeID, nodeDiff, path.Name(), typ))
	}
	if edgeDiff != nil {
		if q := e.findQuery(connection, edgeDiff, path, nodeID, rangeInfo); q != nil {
			split = true
			e.splitQuery(q)
		}
	}
	if split {
		return Outcome{TrackedNode: edges}
	}
	return Outcome{TrackedNode: out.TrackedNode}
}

// findQuery refetches missing edge fields through the connection's `find`
// refinement, addressed from the record that owns the connection.
func (e *engine) findQuery(connection, edgeDiff *query.Node, path *query.Path, nodeID string, rangeInfo *store.RangeInfo) *query.Node {
	if !connection.IsFindable() {
		diag.Warn(e.diag, diag.UnrefetchableField,
			"connection `edges{*}` fields can only be refetched if the connection supports `find`; cannot refetch `%s`", connection.StorageKey())
		return nil
	}
	calls := append(append([]query.Call(nil), rangeInfo.FilterCalls...), query.Call{Name: "find", Value: nodeID})
	find := connection.CloneWithCalls([]*query.Node{edgeDiff}, calls)
	// path runs through the connection and its edges; the owner is two up.
	var owner *query.Path
	if p := path.Parent(); p != nil {
		owner = p.Parent()
	}
	if find == nil || owner == nil {
		diag.Warn(e.diag, diag.UnrefetchableField,
			"connection `%s` is not reachable from a refetchable record", connection.StorageKey())
		return nil
	}
	return owner.Query(find)
}

func (e *engine) trackOnly(n *query.Node) Outcome {
	if e.tracker == nil {
		return Outcome{}
	}
	return Outcome{TrackedNode: n}
}

func (e *engine) splitQuery(root *query.Node) {
	e.split = append(e.split, root)
}

// splitNodeAndEdgesFields separates the diff of an `edges` field into the
// missing fields of its `node` and the missing fields of the edge itself.
// Edge fields are returned only when a non-requisite one is missing.
func splitNodeAndEdgesFields(n *query.Node) (nodeFields []*query.Node, edge *query.Node) {
	var edgeChildren []*query.Node
	hasEdgeChild := false
	for _, child := range n.Children() {
		if child.IsFragment() {
			nodeChildren, edgePart := splitNodeAndEdgesFields(child)
			nodeFields = append(nodeFields, nodeChildren...)
			if edgePart != nil {
				edgeChildren = append(edgeChildren, edgePart)
				hasEdgeChild = true
			}
			continue
		}
		if child.SchemaName() == query.NodeField {
			nodeFields = append(nodeFields, child.Children()...)
			continue
		}
		edgeChildren = append(edgeChildren, child)
		hasEdgeChild = hasEdgeChild || !child.IsRequisite()
	}
	if hasEdgeChild {
		edge = n.Clone(edgeChildren)
	}
	return nodeFields, edge
}
