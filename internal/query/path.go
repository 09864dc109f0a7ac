package query

type pathKind uint8

const (
	pathRoot pathKind = iota
	pathRecord
	pathClient
)

// Path describes how a record was reached from a root query. It is used to
// rebuild a query that refetches data at that record.
//
// A path segment is one of: the root itself, a record with a server id
// (refetchable through `node(id)`), or a record with a client id, which can
// only be reached through its parent.
type Path struct {
	kind   pathKind
	root   *Node
	parent *Path
	node   *Node
	dataID string
	name   string
	typ    string
}

// NewPath starts a path at a root query.
func NewPath(root *Node) *Path {
	return &Path{kind: pathRoot, root: root, name: root.Name()}
}

// Child extends the path through node to the record dataID.
func (p *Path) Child(node *Node, dataID string) *Path {
	if dataID == "" || IsClientID(dataID) {
		return &Path{kind: pathClient, parent: p, node: node, name: p.name}
	}
	return &Path{kind: pathRecord, dataID: dataID, name: p.name, typ: node.Type()}
}

// Parent returns the enclosing segment, or nil at a root or a refetchable
// record.
func (p *Path) Parent() *Path { return p.parent }

// Name returns the name of the query the path starts from.
func (p *Path) Name() string { return p.name }

// DataID returns the record id of a refetchable segment.
func (p *Path) DataID() string { return p.dataID }

// Query builds a root query that fetches appendNode at the record this path
// points to. Client segments are re-expressed through their parents up to
// the nearest refetchable record or the root.
func (p *Path) Query(appendNode *Node) *Node {
	child := appendNode
	for p.kind == pathClient {
		node := p.node
		children := []*Node{child}
		if node.IsField() {
			if pk := node.InferredPrimaryKey(); pk != "" {
				children = append(children, node.FieldByStorageKey(pk))
			}
		} else {
			children = append(children, node.FieldByStorageKey(IDField))
		}
		children = append(children, node.FieldByStorageKey(TypenameField))
		child = node.Clone(children)
		p = p.parent
	}
	if p.kind == pathRoot {
		root := p.root
		return root.Derive([]*Node{child, root.FieldByStorageKey(IDField), root.FieldByStorageKey(TypenameField)})
	}
	return BuildNodeRoot(p.dataID, []*Node{child}, p.name, p.typ)
}

// Wrap builds a root query that fetches node, the node this path ends at.
func (p *Path) Wrap(node *Node) *Node {
	switch p.kind {
	case pathRoot:
		if node.IsRoot() {
			return node
		}
		return p.Query(node)
	case pathClient:
		return p.parent.Query(node)
	default:
		return BuildNodeRoot(p.dataID, node.Children(), p.name, p.typ)
	}
}
