package query

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CompositeHash identifies the data a node selects. Two nodes with equal
// hashes select the same fields with the same calls.
func (n *Node) CompositeHash() uint64 {
	if n.hash == 0 {
		n.hash = xxhash.Sum64String(n.String())
	}
	return n.hash
}

// String renders a compact canonical form of the node, used for hashing and
// debugging.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	switch n.kind {
	case KindRoot:
		b.WriteString("root ")
		b.WriteString(n.field)
		if a := n.identifyingArg; a != nil {
			b.WriteString("(")
			b.WriteString(a.Name)
			b.WriteString(":")
			b.WriteString(ArgKey(a.Value))
			b.WriteString(")")
		}
		writeCalls(b, n.calls)
	case KindField:
		if n.alias != "" {
			b.WriteString(n.alias)
			b.WriteString(":")
		}
		b.WriteString(n.name)
		writeCalls(b, n.calls)
	case KindFragment:
		b.WriteString("... on ")
		b.WriteString(n.typ)
	}
	if n.flags != 0 {
		b.WriteString("#")
		b.WriteString(flagString(n.flags))
	}
	if len(n.children) == 0 {
		return
	}
	b.WriteString("{")
	for i, c := range n.children {
		if i > 0 {
			b.WriteString(" ")
		}
		c.write(b)
	}
	b.WriteString("}")
}

func writeCalls(b *strings.Builder, calls []Call) {
	if len(calls) == 0 {
		return
	}
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = c.Name + ":" + ArgKey(c.Value)
	}
	sort.Strings(parts)
	b.WriteString("(")
	b.WriteString(strings.Join(parts, ","))
	b.WriteString(")")
}

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagPlural, "plural"},
	{FlagConnection, "connection"},
	{FlagGenerated, "generated"},
	{FlagDeferred, "deferred"},
	{FlagRequisite, "requisite"},
	{FlagAbstract, "abstract"},
	{FlagFindable, "findable"},
	{FlagConnectionWithoutNodeID, "nonodeid"},
}

func flagString(f Flags) string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}
