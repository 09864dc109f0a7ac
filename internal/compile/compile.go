// Package compile turns GraphQL query documents into query trees and prints
// query trees back as GraphQL.
//
// Cache metadata that a schema-aware compiler would infer is given with
// directives:
//
//	@type(name: "User")    concrete or abstract type of a field or root
//	@plural                field returns a list
//	@connection            field is a paginated connection; accepts
//	                       findable: Boolean and withoutNodeID: Boolean
//	@node                  records of the field are refetchable by node(id)
//	@requisite             field is always fetched alongside its parent
//	@generated             field was added for the cache, not the caller
//	@abstract              fragment or field type is an interface or union
//	@deferred              fragment may be fetched after the required data
//
// Roots named node or nodes are refetchable by id. The first argument of a
// root field is its identifying argument; a list value batches the root.
package compile

import (
	"errors"
	"fmt"
	"strconv"

	language "github.com/hanpama/graphcache/internal/language"
	query "github.com/hanpama/graphcache/internal/query"
)

var (
	ErrNoOperation      = errors.New("compile: document has no query operation")
	ErrUnknownFragment  = errors.New("compile: unknown fragment")
	ErrFragmentCycle    = errors.New("compile: fragment spreads form a cycle")
	ErrDuplicateRoot    = errors.New("compile: duplicate root field")
	ErrUnsupportedQuery = errors.New("compile: only query operations are supported")
)

// Directive names.
const (
	DirectiveType       = "type"
	DirectivePlural     = "plural"
	DirectiveConnection = "connection"
	DirectiveNode       = "node"
	DirectiveRequisite  = "requisite"
	DirectiveGenerated  = "generated"
	DirectiveAbstract   = "abstract"
	DirectiveDeferred   = "deferred"
)

// Compile parses src and builds one root query per top-level field of its
// query operations, keyed by the response key of the field. vars supplies
// the values of operation variables.
func Compile(src string, vars map[string]any) (map[string]*query.Node, error) {
	doc, err := language.ParseQuery("query", src)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	return CompileDocument(doc, vars)
}

// CompileDocument builds the root queries of a parsed document.
func CompileDocument(doc *language.QueryDocument, vars map[string]any) (map[string]*query.Node, error) {
	if len(doc.Operations) == 0 {
		return nil, ErrNoOperation
	}
	c := &compiler{
		doc:       doc,
		fragments: make(map[fragmentKey]*query.Node),
		visiting:  make(map[string]bool),
	}
	roots := make(map[string]*query.Node)
	for _, op := range doc.Operations {
		if op.Operation != language.Query {
			return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedQuery, op.Operation, op.Name)
		}
		c.vars = operationVars(op, vars)
		for _, sel := range op.SelectionSet {
			f, ok := sel.(*language.Field)
			if !ok {
				return nil, fmt.Errorf("compile %s: root selections must be fields", op.Name)
			}
			key := f.Alias
			if key == "" {
				key = f.Name
			}
			if _, dup := roots[key]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateRoot, key)
			}
			root, err := c.root(op, f)
			if err != nil {
				return nil, fmt.Errorf("compile %s: %w", key, err)
			}
			roots[key] = root
		}
	}
	return roots, nil
}

type fragmentKey struct {
	name     string
	deferred bool
}

type compiler struct {
	doc  *language.QueryDocument
	vars map[string]any

	// fragments memoizes named fragments so every spread of a fragment
	// shares one node.
	fragments map[fragmentKey]*query.Node
	visiting  map[string]bool
}

func (c *compiler) root(op *language.OperationDefinition, f *language.Field) (*query.Node, error) {
	children, err := c.selections(f.SelectionSet)
	if err != nil {
		return nil, err
	}
	calls := c.calls(f.Arguments)

	var ident *query.IdentifyingArg
	if len(calls) > 0 {
		ident = &query.IdentifyingArg{Name: calls[0].Name, Value: calls[0].Value}
		calls = calls[1:]
	}

	typ := c.stringArg(f.Directives, DirectiveType, "name")
	var flags query.Flags
	refetchable := f.Directives.ForName(DirectiveNode) != nil
	if f.Name == query.NodeField || f.Name == "nodes" {
		refetchable = true
		if typ == "" {
			typ = query.NodeType
		}
		flags |= query.FlagAbstract
	}
	if f.Directives.ForName(DirectiveAbstract) != nil {
		flags |= query.FlagAbstract
	}
	if refetchable {
		children = withID(children)
	}

	name := op.Name
	if name == "" {
		name = f.Name
	}
	return query.NewRoot(query.RootConfig{
		Name:           name,
		FieldName:      f.Name,
		Type:           typ,
		IdentifyingArg: ident,
		Calls:          calls,
		Children:       children,
		Flags:          flags,
	}), nil
}

func (c *compiler) selections(set language.SelectionSet) ([]*query.Node, error) {
	var out []*query.Node
	for _, sel := range set {
		var (
			n   *query.Node
			err error
		)
		switch s := sel.(type) {
		case *language.Field:
			n, err = c.field(s)
		case *language.InlineFragment:
			n, err = c.inlineFragment(s)
		case *language.FragmentSpread:
			n, err = c.spread(s)
		}
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (c *compiler) field(f *language.Field) (*query.Node, error) {
	children, err := c.selections(f.SelectionSet)
	if err != nil {
		return nil, err
	}
	flags := directiveFlags(f.Directives)
	cfg := query.FieldConfig{
		SchemaName: f.Name,
		Alias:      f.Alias,
		Type:       c.stringArg(f.Directives, DirectiveType, "name"),
		Calls:      c.calls(f.Arguments),
	}
	if d := f.Directives.ForName(DirectiveConnection); d != nil {
		flags |= query.FlagConnection
		if c.boolArg(d, "findable") {
			flags |= query.FlagFindable
		}
		withoutNodeID := c.boolArg(d, "withoutNodeID")
		if withoutNodeID {
			flags |= query.FlagConnectionWithoutNodeID
		}
		children = connectionChildren(children, !withoutNodeID)
	}
	if f.Directives.ForName(DirectiveNode) != nil {
		cfg.InferredRootCall = query.NodeField
		cfg.InferredPrimaryKey = query.IDField
		children = withID(children)
	}
	if len(f.SelectionSet) > 0 && len(children) == 0 {
		return nil, fmt.Errorf("field %s selects nothing", f.Name)
	}
	cfg.Children = children
	cfg.Flags = flags
	return query.NewField(cfg), nil
}

func (c *compiler) inlineFragment(f *language.InlineFragment) (*query.Node, error) {
	children, err := c.selections(f.SelectionSet)
	if err != nil {
		return nil, err
	}
	flags := directiveFlags(f.Directives) & (query.FlagDeferred | query.FlagAbstract)
	if f.TypeCondition == "" {
		// Without a type condition the fragment applies to any record.
		flags |= query.FlagAbstract
	}
	return query.NewFragment(query.FragmentConfig{
		Type:     f.TypeCondition,
		Children: children,
		Flags:    flags,
	}), nil
}

func (c *compiler) spread(s *language.FragmentSpread) (*query.Node, error) {
	key := fragmentKey{name: s.Name, deferred: s.Directives.ForName(DirectiveDeferred) != nil}
	if n, ok := c.fragments[key]; ok {
		return n, nil
	}
	def := c.doc.Fragments.ForName(s.Name)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFragment, s.Name)
	}
	if c.visiting[s.Name] {
		return nil, fmt.Errorf("%w: %s", ErrFragmentCycle, s.Name)
	}
	c.visiting[s.Name] = true
	children, err := c.selections(def.SelectionSet)
	delete(c.visiting, s.Name)
	if err != nil {
		return nil, err
	}
	flags := directiveFlags(def.Directives) & query.FlagAbstract
	if key.deferred {
		flags |= query.FlagDeferred
	}
	n := query.NewFragment(query.FragmentConfig{
		Name:     def.Name,
		Type:     def.TypeCondition,
		Children: children,
		Flags:    flags,
	})
	c.fragments[key] = n
	return n, nil
}

func directiveFlags(dirs language.DirectiveList) query.Flags {
	var flags query.Flags
	for _, d := range dirs {
		switch d.Name {
		case DirectivePlural:
			flags |= query.FlagPlural
		case DirectiveRequisite:
			flags |= query.FlagRequisite
		case DirectiveGenerated:
			flags |= query.FlagGenerated
		case DirectiveAbstract:
			flags |= query.FlagAbstract
		case DirectiveDeferred:
			flags |= query.FlagDeferred
		}
	}
	return flags
}

// connectionChildren marks edges plural and adds the fields the range
// logic relies on: edge cursors, node ids and page info.
func connectionChildren(children []*query.Node, nodeIDs bool) []*query.Node {
	out := make([]*query.Node, 0, len(children)+1)
	hasPageInfo := false
	for _, child := range children {
		switch {
		case child.IsField() && child.SchemaName() == query.EdgesField:
			child = edgesField(child, nodeIDs)
		case child.IsField() && child.SchemaName() == query.PageInfoField:
			hasPageInfo = true
		}
		out = append(out, child)
	}
	if !hasPageInfo {
		out = append(out, query.NewField(query.FieldConfig{
			SchemaName: query.PageInfoField,
			Type:       "PageInfo",
			Children: []*query.Node{
				requisite(query.HasNextPage, "Boolean"),
				requisite(query.HasPreviousPage, "Boolean"),
			},
			Flags: query.FlagGenerated | query.FlagRequisite,
		}))
	}
	return out
}

func edgesField(edges *query.Node, nodeIDs bool) *query.Node {
	children := make([]*query.Node, 0, len(edges.Children())+1)
	hasCursor := false
	for _, child := range edges.Children() {
		if child.IsField() && child.SchemaName() == query.CursorField {
			hasCursor = true
		}
		if nodeIDs && child.IsField() && child.SchemaName() == query.NodeField && child.InferredRootCall() == "" {
			child = query.NewField(query.FieldConfig{
				SchemaName:         child.SchemaName(),
				Alias:              child.Alias(),
				Type:               child.Type(),
				Calls:              child.Calls(),
				Children:           withID(child.Children()),
				Flags:              child.Flags(),
				InferredRootCall:   query.NodeField,
				InferredPrimaryKey: query.IDField,
			})
		}
		children = append(children, child)
	}
	if !hasCursor {
		children = append(children, requisite(query.CursorField, "String"))
	}
	return query.NewField(query.FieldConfig{
		SchemaName: edges.SchemaName(),
		Alias:      edges.Alias(),
		Type:       edges.Type(),
		Calls:      edges.Calls(),
		Children:   children,
		Flags:      edges.Flags() | query.FlagPlural,
	})
}

func requisite(name, typ string) *query.Node {
	return query.NewField(query.FieldConfig{SchemaName: name, Type: typ, Flags: query.FlagGenerated | query.FlagRequisite})
}

// withID prepends a generated id field unless one is selected.
func withID(children []*query.Node) []*query.Node {
	for _, child := range children {
		if child.IsField() && child.SchemaName() == query.IDField && child.Alias() == "" {
			return children
		}
	}
	return append([]*query.Node{query.NewIDField()}, children...)
}

func (c *compiler) calls(args language.ArgumentList) []query.Call {
	if len(args) == 0 {
		return nil
	}
	out := make([]query.Call, 0, len(args))
	for _, a := range args {
		out = append(out, query.Call{Name: a.Name, Value: c.value(a.Value)})
	}
	return out
}

func (c *compiler) stringArg(dirs language.DirectiveList, directive, arg string) string {
	d := dirs.ForName(directive)
	if d == nil {
		return ""
	}
	a := d.Arguments.ForName(arg)
	if a == nil {
		return ""
	}
	s, _ := c.value(a.Value).(string)
	return s
}

func (c *compiler) boolArg(d *language.Directive, arg string) bool {
	a := d.Arguments.ForName(arg)
	if a == nil {
		return false
	}
	b, _ := c.value(a.Value).(bool)
	return b
}

// value converts an AST value to a Go value, substituting variables.
func (c *compiler) value(v *language.Value) any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case language.Variable:
		return c.vars[v.Raw]
	case language.IntValue:
		if n, err := strconv.Atoi(v.Raw); err == nil {
			return n
		}
		f, _ := strconv.ParseFloat(v.Raw, 64)
		return f
	case language.FloatValue:
		f, _ := strconv.ParseFloat(v.Raw, 64)
		return f
	case language.StringValue, language.BlockValue, language.EnumValue:
		return v.Raw
	case language.BooleanValue:
		return v.Raw == "true"
	case language.ListValue:
		out := make([]any, len(v.Children))
		for i, child := range v.Children {
			out[i] = c.value(child.Value)
		}
		return out
	case language.ObjectValue:
		out := make(map[string]any, len(v.Children))
		for _, child := range v.Children {
			out[child.Name] = c.value(child.Value)
		}
		return out
	default:
		return nil
	}
}

// operationVars merges the provided variables over the defaults declared by
// the operation.
func operationVars(op *language.OperationDefinition, provided map[string]any) map[string]any {
	out := make(map[string]any, len(op.VariableDefinitions))
	defaults := &compiler{vars: map[string]any{}}
	for _, def := range op.VariableDefinitions {
		if v, ok := provided[def.Variable]; ok {
			out[def.Variable] = v
			continue
		}
		if def.DefaultValue != nil {
			out[def.Variable] = defaults.value(def.DefaultValue)
		}
	}
	return out
}
