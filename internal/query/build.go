package query

// NewIDField builds the generated, requisite `id` field.
func NewIDField() *Node {
	return NewField(FieldConfig{SchemaName: IDField, Type: "ID", Flags: FlagGenerated | FlagRequisite})
}

// NewTypenameField builds the generated, requisite `__typename` field.
func NewTypenameField() *Node {
	return NewField(FieldConfig{SchemaName: TypenameField, Type: "String", Flags: FlagGenerated | FlagRequisite})
}

// BuildNodeRoot builds a `node(id)` root query for a record that is
// refetchable by id. Fields are wrapped in a fragment on typ; other nodes
// are kept as direct children.
func BuildNodeRoot(id string, nodes []*Node, name, typ string) *Node {
	children := []*Node{NewIDField(), NewTypenameField()}
	var fields []*Node
	for _, n := range nodes {
		if n.IsField() {
			fields = append(fields, n)
		} else {
			children = append(children, n)
		}
	}
	if len(fields) > 0 {
		children = append(children, NewFragment(FragmentConfig{Name: "DiffQuery", Type: typ, Children: fields}))
	}
	return NewRoot(RootConfig{
		Name:      name,
		FieldName: NodeField,
		Type:      NodeType,
		IdentifyingArg: &IdentifyingArg{
			Name:  IDField,
			Type:  IDType,
			Value: id,
		},
		Children: children,
		Flags:    FlagAbstract,
	})
}
