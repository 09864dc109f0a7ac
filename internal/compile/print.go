package compile

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	language "github.com/hanpama/graphcache/internal/language"
	query "github.com/hanpama/graphcache/internal/query"
)

// Print renders a root query as a GraphQL query document. Fragments are
// printed inline; cache directives are not printed.
func Print(root *query.Node) (string, error) {
	if root == nil || !root.IsRoot() {
		return "", fmt.Errorf("compile: print: not a root query")
	}
	var args language.ArgumentList
	if ident := root.IdentifyingArg(); ident != nil {
		args = append(args, &language.Argument{Name: ident.Name, Value: astValue(ident.Value)})
	}
	args = append(args, arguments(root.Calls())...)
	field := &language.Field{
		Name:         root.FieldName(),
		Arguments:    args,
		SelectionSet: selectionSet(root.Children()),
	}
	doc := &language.QueryDocument{
		Operations: []*language.OperationDefinition{{
			Operation:    language.Query,
			Name:         OperationName(root.Name()),
			SelectionSet: language.SelectionSet{field},
		}},
	}
	return language.Format(doc), nil
}

func selectionSet(nodes []*query.Node) language.SelectionSet {
	if len(nodes) == 0 {
		return nil
	}
	out := make(language.SelectionSet, 0, len(nodes))
	for _, n := range nodes {
		switch n.Kind() {
		case query.KindField:
			out = append(out, &language.Field{
				Alias:        n.Alias(),
				Name:         n.SchemaName(),
				Arguments:    arguments(n.Calls()),
				SelectionSet: selectionSet(n.Children()),
			})
		case query.KindFragment:
			out = append(out, &language.InlineFragment{
				TypeCondition: n.Type(),
				SelectionSet:  selectionSet(n.Children()),
			})
		}
	}
	return out
}

func arguments(calls []query.Call) language.ArgumentList {
	if len(calls) == 0 {
		return nil
	}
	out := make(language.ArgumentList, 0, len(calls))
	for _, c := range calls {
		out = append(out, &language.Argument{Name: c.Name, Value: astValue(c.Value)})
	}
	return out
}

func astValue(v any) *language.Value {
	switch x := v.(type) {
	case nil:
		return &language.Value{Kind: language.NullValue, Raw: "null"}
	case string:
		return &language.Value{Kind: language.StringValue, Raw: x}
	case bool:
		return &language.Value{Kind: language.BooleanValue, Raw: strconv.FormatBool(x)}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return &language.Value{Kind: language.IntValue, Raw: fmt.Sprint(x)}
	case float32:
		return floatValue(float64(x))
	case float64:
		return floatValue(x)
	case []any:
		val := &language.Value{Kind: language.ListValue}
		for _, item := range x {
			val.Children = append(val.Children, &language.ChildValue{Value: astValue(item)})
		}
		return val
	case []string:
		val := &language.Value{Kind: language.ListValue}
		for _, item := range x {
			val.Children = append(val.Children, &language.ChildValue{Value: astValue(item)})
		}
		return val
	case map[string]any:
		val := &language.Value{Kind: language.ObjectValue}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			val.Children = append(val.Children, &language.ChildValue{Name: k, Value: astValue(x[k])})
		}
		return val
	default:
		return &language.Value{Kind: language.StringValue, Raw: query.ArgKey(x)}
	}
}

// floatValue prints integral floats as ints; JSON decoding yields float64
// for every number.
func floatValue(f float64) *language.Value {
	if f == float64(int64(f)) {
		return &language.Value{Kind: language.IntValue, Raw: strconv.FormatInt(int64(f), 10)}
	}
	return &language.Value{Kind: language.FloatValue, Raw: strconv.FormatFloat(f, 'g', -1, 64)}
}

// OperationName maps a query name to a valid GraphQL name.
func OperationName(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
