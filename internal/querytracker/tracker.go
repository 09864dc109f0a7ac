// Package querytracker remembers which query subtrees have been fetched for
// each record, so later writes and refetches can cover the same data.
package querytracker

import (
	"fmt"
	"sync"

	query "github.com/hanpama/graphcache/internal/query"
)

type tracked struct {
	nodes  []*query.Node
	merged bool
}

// Tracker records tracked nodes per record id.
type Tracker struct {
	mu   sync.Mutex
	byID map[string]*tracked
}

func New() *Tracker { return &Tracker{byID: make(map[string]*tracked)} }

// TrackNodeForID records node as covered for id. path ends at node. Client
// ids cannot be refetched directly, so their nodes are stored as the root
// query that reaches them through path; path is then required. Scalars are
// not tracked.
func (t *Tracker) TrackNodeForID(node *query.Node, id string, path *query.Path) {
	if query.IsClientID(id) {
		if path == nil {
			panic(fmt.Sprintf("querytracker: a path is required to track client record %q", id))
		}
		node = path.Wrap(node)
	}
	if node == nil || node.IsScalar() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.byID[id]
	if e == nil {
		e = &tracked{}
		t.byID[id] = e
	}
	e.nodes = append(e.nodes, node)
	e.merged = false
}

// TrackedChildrenForID returns the children of every node tracked for id,
// merged under a single fragment.
func (t *Tracker) TrackedChildrenForID(id string) []*query.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.byID[id]
	if e == nil {
		return nil
	}
	if !e.merged {
		var children []*query.Node
		for _, n := range e.nodes {
			children = append(children, n.Children()...)
		}
		e.nodes = e.nodes[:0]
		e.merged = true
		if len(children) > 0 {
			e.nodes = append(e.nodes, query.NewFragment(query.FragmentConfig{
				Name:     "QueryTracker",
				Type:     query.NodeType,
				Children: children,
				Flags:    query.FlagAbstract,
			}))
		}
	}
	if len(e.nodes) == 0 {
		return nil
	}
	return e.nodes[0].Children()
}

// UntrackNodesForID forgets every node tracked for id.
func (t *Tracker) UntrackNodesForID(id string) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}
