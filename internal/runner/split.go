package runner

import query "github.com/hanpama/graphcache/internal/query"

// splitDeferred moves the deferred fragments directly under each root into
// deferred root queries of their own. A required query left with nothing
// but requisite fields is dropped.
func splitDeferred(roots []*query.Node) []*query.Node {
	var out []*query.Node
	for _, root := range roots {
		var kept, requisite, deferred []*query.Node
		for _, child := range root.Children() {
			switch {
			case child.IsFragment() && child.IsDeferred():
				deferred = append(deferred, child)
			case child.IsRequisite():
				requisite = append(requisite, child)
				kept = append(kept, child)
			default:
				kept = append(kept, child)
			}
		}
		if len(deferred) == 0 {
			out = append(out, root)
			continue
		}
		if len(kept) > len(requisite) {
			out = append(out, root.Derive(kept))
		}
		for _, frag := range deferred {
			children := append(append([]*query.Node(nil), requisite...), frag)
			out = append(out, query.NewRoot(query.RootConfig{
				Name:           root.Name(),
				FieldName:      root.FieldName(),
				Type:           root.Type(),
				IdentifyingArg: root.IdentifyingArg(),
				Calls:          root.Calls(),
				Children:       children,
				Flags:          root.Flags() | query.FlagDeferred,
			}))
		}
	}
	return out
}
