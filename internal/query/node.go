package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind tags the three node variants of a query tree.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	KindField
	KindFragment
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindField:
		return "field"
	case KindFragment:
		return "fragment"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags carries the boolean metadata of a node.
type Flags uint16

const (
	FlagPlural Flags = 1 << iota
	FlagConnection
	FlagGenerated
	FlagDeferred
	FlagRequisite
	FlagAbstract
	FlagSubselections
	// FlagFindable marks a connection that accepts a `find(id)` refinement call.
	FlagFindable
	// FlagConnectionWithoutNodeID marks a connection whose nodes have no id;
	// missing node fields are then expected and not diagnosed.
	FlagConnectionWithoutNodeID
)

// Well-known schema names.
const (
	IDField       = "id"
	TypenameField = "__typename"
	NodeField     = "node"
	EdgesField    = "edges"
	PageInfoField = "page_info"
	CursorField   = "cursor"
	NodeType      = "Node"
	IDType        = "ID!"
)

// Page info keys.
const (
	HasNextPage     = "has_next_page"
	HasPreviousPage = "has_previous_page"
	StartCursor     = "start_cursor"
	EndCursor       = "end_cursor"
)

// Call is a field argument.
type Call struct {
	Name  string
	Value any
	Type  string
}

// IdentifyingArg is the argument that addresses the record of a root query.
// Value may be a []any when the root is batched over several values.
type IdentifyingArg struct {
	Name  string
	Type  string
	Value any
}

// Node is an immutable query tree node. Transformations produce new nodes
// through Clone and never mutate an existing one; nodes may be shared by
// several parents.
type Node struct {
	kind  Kind
	id    string
	name  string
	field string
	alias string
	typ   string

	calls          []Call
	identifyingArg *IdentifyingArg
	children       []*Node
	flags          Flags

	rootCall   string
	primaryKey string

	hash uint64
}

// RootConfig describes a root query.
type RootConfig struct {
	// ID identifies the query for fetch deduplication. When empty, an id is
	// derived from the composite hash of the root.
	ID             string
	Name           string
	FieldName      string
	Type           string
	IdentifyingArg *IdentifyingArg
	Calls          []Call
	Children       []*Node
	Flags          Flags
}

// FieldConfig describes a field.
type FieldConfig struct {
	SchemaName string
	Alias      string
	Type       string
	Calls      []Call
	Children   []*Node
	Flags      Flags
	// InferredRootCall and InferredPrimaryKey are set when records of this
	// field are independently fetchable, e.g. by `node(id)`.
	InferredRootCall   string
	InferredPrimaryKey string
}

// FragmentConfig describes a fragment.
type FragmentConfig struct {
	ID       string
	Name     string
	Type     string
	Children []*Node
	Flags    Flags
}

func NewRoot(c RootConfig) *Node {
	n := &Node{
		kind:           KindRoot,
		id:             c.ID,
		name:           c.Name,
		field:          c.FieldName,
		typ:            c.Type,
		calls:          c.Calls,
		identifyingArg: c.IdentifyingArg,
		children:       compact(c.Children),
		flags:          c.Flags | FlagSubselections,
	}
	if n.id == "" {
		n.id = fmt.Sprintf("q%016x", n.CompositeHash())
	}
	return n
}

func NewField(c FieldConfig) *Node {
	flags := c.Flags
	if len(c.Children) > 0 {
		flags |= FlagSubselections
	}
	return &Node{
		kind:       KindField,
		name:       c.SchemaName,
		alias:      c.Alias,
		typ:        c.Type,
		calls:      c.Calls,
		children:   compact(c.Children),
		flags:      flags,
		rootCall:   c.InferredRootCall,
		primaryKey: c.InferredPrimaryKey,
	}
}

func NewFragment(c FragmentConfig) *Node {
	n := &Node{
		kind:     KindFragment,
		id:       c.ID,
		name:     c.Name,
		typ:      c.Type,
		children: compact(c.Children),
		flags:    c.Flags | FlagSubselections,
	}
	if n.id == "" {
		n.id = fmt.Sprintf("f%016x", n.CompositeHash())
	}
	return n
}

func (n *Node) Kind() Kind       { return n.kind }
func (n *Node) IsRoot() bool     { return n.kind == KindRoot }
func (n *Node) IsField() bool    { return n.kind == KindField }
func (n *Node) IsFragment() bool { return n.kind == KindFragment }

// ID returns the query id of a root or the fragment id of a fragment.
func (n *Node) ID() string { return n.id }

// Name returns the query name of a root or the name of a fragment.
func (n *Node) Name() string { return n.name }

// SchemaName returns the field name as declared by the schema.
func (n *Node) SchemaName() string { return n.name }

// FieldName returns the root call field name, e.g. "node" or "viewer".
func (n *Node) FieldName() string { return n.field }

// ApplicationName is the key under which a field's data is read.
func (n *Node) ApplicationName() string {
	if n.alias != "" {
		return n.alias
	}
	return n.name
}

func (n *Node) Alias() string                   { return n.alias }
func (n *Node) Type() string                    { return n.typ }
func (n *Node) Calls() []Call                   { return n.calls }
func (n *Node) IdentifyingArg() *IdentifyingArg { return n.identifyingArg }
func (n *Node) Children() []*Node               { return n.children }
func (n *Node) Flags() Flags                    { return n.flags }
func (n *Node) InferredRootCall() string        { return n.rootCall }
func (n *Node) InferredPrimaryKey() string      { return n.primaryKey }

func (n *Node) has(f Flags) bool { return n.flags&f != 0 }

func (n *Node) IsPlural() bool     { return n.has(FlagPlural) }
func (n *Node) IsConnection() bool { return n.has(FlagConnection) }
func (n *Node) IsGenerated() bool  { return n.has(FlagGenerated) }
func (n *Node) IsDeferred() bool   { return n.has(FlagDeferred) }
func (n *Node) IsRequisite() bool  { return n.has(FlagRequisite) }
func (n *Node) IsAbstract() bool   { return n.has(FlagAbstract) }
func (n *Node) IsFindable() bool   { return n.has(FlagFindable) }
func (n *Node) IsScalar() bool     { return n.kind == KindField && !n.has(FlagSubselections) }

func (n *Node) IsConnectionWithoutNodeID() bool { return n.has(FlagConnectionWithoutNodeID) }

// CanHaveSubselections reports whether the node has child selections.
func (n *Node) CanHaveSubselections() bool { return n.has(FlagSubselections) }

// StorageKey is the key under which the field's value is stored on its
// parent record. Range calls of connections are excluded, so every page of a
// connection shares one record.
func (n *Node) StorageKey() string {
	switch n.kind {
	case KindRoot:
		return storageKey(n.field, n.calls, false)
	case KindField:
		return storageKey(n.name, n.calls, n.IsConnection())
	default:
		return ""
	}
}

// FieldByStorageKey returns the direct child field stored under key.
func (n *Node) FieldByStorageKey(key string) *Node {
	for _, c := range n.children {
		if c.kind == KindField && c.StorageKey() == key {
			return c
		}
	}
	return nil
}

// Clone returns a copy of n with the given children; nil children are
// dropped. It returns n itself when the children are unchanged and nil when
// a node that requires subselections would be left without any.
func (n *Node) Clone(children []*Node) *Node {
	if n.kind == KindField && !n.CanHaveSubselections() {
		return n
	}
	next := compact(children)
	if len(next) == 0 {
		return nil
	}
	if sameChildren(n.children, next) {
		return n
	}
	c := *n
	c.children = next
	c.hash = 0
	return &c
}

// CloneWithCalls returns a copy of a field with new children and calls.
func (n *Node) CloneWithCalls(children []*Node, calls []Call) *Node {
	next := n.Clone(children)
	if next == nil {
		return nil
	}
	if next == n {
		c := *n
		next = &c
	}
	next.calls = calls
	next.hash = 0
	return next
}

// Derive clones a root into a new query with an id of its own.
func (n *Node) Derive(children []*Node) *Node {
	next := n.Clone(children)
	if next == nil {
		return nil
	}
	c := *next
	c.hash = 0
	c.id = fmt.Sprintf("q%016x", c.CompositeHash())
	return &c
}

// CloneWithIdentifyingValue returns a root addressed by a single value of a
// batched identifying argument.
func (n *Node) CloneWithIdentifyingValue(value any) *Node {
	arg := *n.identifyingArg
	arg.Value = []any{value}
	return NewRoot(RootConfig{
		Name:           n.name,
		FieldName:      n.field,
		Type:           n.typ,
		IdentifyingArg: &arg,
		Calls:          n.calls,
		Children:       n.children,
		Flags:          n.flags,
	})
}

// Equivalent reports whether two nodes select the same data.
func (n *Node) Equivalent(o *Node) bool {
	if n == o {
		return true
	}
	if n == nil || o == nil {
		return false
	}
	return n.CompositeHash() == o.CompositeHash()
}

// RootCallArg is one identifying value of a root query.
type RootCallArg struct {
	Value any
	Key   string
}

// RootCallArgs expands the identifying argument of a root. Roots without an
// identifying argument yield a single entry with an empty key.
func (n *Node) RootCallArgs() []RootCallArg {
	if n.identifyingArg == nil {
		return []RootCallArg{{}}
	}
	v := n.identifyingArg.Value
	if list, ok := v.([]any); ok {
		out := make([]RootCallArg, len(list))
		for i, item := range list {
			out[i] = RootCallArg{Value: item, Key: ArgKey(item)}
		}
		return out
	}
	return []RootCallArg{{Value: v, Key: ArgKey(v)}}
}

// IsBatched reports whether the identifying argument holds several values.
func (n *Node) IsBatched() bool {
	if n.identifyingArg == nil {
		return false
	}
	list, ok := n.identifyingArg.Value.([]any)
	return ok && len(list) > 1
}

// ArgKey formats an argument value for use in storage keys.
func ArgKey(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

var rangeCalls = map[string]bool{
	"first":     true,
	"last":      true,
	"after":     true,
	"before":    true,
	"find":      true,
	"surrounds": true,
}

// IsRangeCall reports whether a call pages through a connection.
func IsRangeCall(name string) bool { return rangeCalls[name] }

func storageKey(name string, calls []Call, connection bool) string {
	var parts []string
	for _, c := range calls {
		if connection && IsRangeCall(c.Name) {
			continue
		}
		parts = append(parts, c.Name+":"+ArgKey(c.Value))
	}
	if len(parts) == 0 {
		return name
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func compact(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, c := range nodes {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func sameChildren(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
