package query

import "fmt"

// Visitor handles each node kind. Implementations must cover all three
// variants, which the interface enforces at compile time.
type Visitor[S, R any] interface {
	VisitRoot(n *Node, state S) R
	VisitField(n *Node, state S) R
	VisitFragment(n *Node, state S) R
}

// Visit dispatches n to the method of v matching its kind.
func Visit[S, R any](v Visitor[S, R], n *Node, state S) R {
	switch n.kind {
	case KindRoot:
		return v.VisitRoot(n, state)
	case KindField:
		return v.VisitField(n, state)
	case KindFragment:
		return v.VisitFragment(n, state)
	default:
		panic(fmt.Sprintf("query: unknown node kind %v", n.kind))
	}
}

// IsCompatibleType reports whether a fragment (or root) of n's type can
// apply to a record of the given concrete type.
func IsCompatibleType(n *Node, recordType string) bool {
	return recordType == "" || n.typ == recordType || n.IsAbstract()
}
