package store

import (
	"math"
	"strconv"

	query "github.com/hanpama/graphcache/internal/query"
)

// info computes the range info of calls against the fetched segment.
//
// `first: N` (optionally `after: c`) selects from the start, `last: N`
// (optionally `before: c`) from the end. When fewer than N edges are known
// and the server reported more, the missing part is expressed as diff calls
// continuing from the last known cursor. Without a count the whole segment
// matches and nothing is missing.
func (r *Range) info(calls []query.Call) *RangeInfo {
	var (
		filter        []query.Call
		first, last   = -1, -1
		after, before string
	)
	for _, c := range calls {
		switch c.Name {
		case "first":
			first = toInt(c.Value)
		case "last":
			last = toInt(c.Value)
		case "after":
			after = query.ArgKey(c.Value)
		case "before":
			before = query.ArgKey(c.Value)
		default:
			if !query.IsRangeCall(c.Name) {
				filter = append(filter, c)
			}
		}
	}

	info := &RangeInfo{FilterCalls: filter}
	edges := r.Edges

	switch {
	case first >= 0:
		start := 0
		if after != "" {
			idx := r.indexOf(after)
			if idx < 0 {
				info.DiffCalls = withFilter(filter, calls)
				return info
			}
			start = idx + 1
		}
		end := min(start+first, len(edges))
		info.FilteredEdges = toEdges(edges[start:end])
		have := end - start
		if have < first && r.HasNextPage {
			cursor := after
			if have > 0 {
				cursor = edges[end-1].Cursor
			}
			var diff []query.Call
			if cursor != "" {
				diff = append(diff, query.Call{Name: "after", Value: cursor})
			}
			diff = append(diff, query.Call{Name: "first", Value: first - have})
			info.DiffCalls = withFilter(filter, diff)
			return info
		}
		info.PageInfo = pageInfo(info.FilteredEdges, end < len(edges) || r.HasNextPage, start > 0)
	case last >= 0:
		end := len(edges)
		if before != "" {
			idx := r.indexOf(before)
			if idx < 0 {
				info.DiffCalls = withFilter(filter, calls)
				return info
			}
			end = idx
		}
		start := max(end-last, 0)
		info.FilteredEdges = toEdges(edges[start:end])
		have := end - start
		if have < last && r.HasPreviousPage {
			cursor := before
			if have > 0 {
				cursor = edges[start].Cursor
			}
			var diff []query.Call
			if cursor != "" {
				diff = append(diff, query.Call{Name: "before", Value: cursor})
			}
			diff = append(diff, query.Call{Name: "last", Value: last - have})
			info.DiffCalls = withFilter(filter, diff)
			return info
		}
		info.PageInfo = pageInfo(info.FilteredEdges, end < len(edges), start > 0 || r.HasPreviousPage)
	default:
		info.FilteredEdges = toEdges(edges)
		info.PageInfo = pageInfo(info.FilteredEdges, r.HasNextPage, r.HasPreviousPage)
	}
	return info
}

func (r *Range) indexOf(cursor string) int {
	for i, e := range r.Edges {
		if e.Cursor == cursor {
			return i
		}
	}
	return -1
}

// withFilter keeps the filter calls in front so the diff field keeps the
// storage key of the original field.
func withFilter(filter, calls []query.Call) []query.Call {
	out := make([]query.Call, 0, len(filter)+len(calls))
	out = append(out, filter...)
	for _, c := range calls {
		if query.IsRangeCall(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

func pageInfo(edges []Edge, hasNext, hasPrev bool) map[string]any {
	info := map[string]any{
		query.HasNextPage:     hasNext,
		query.HasPreviousPage: hasPrev,
		query.StartCursor:     nil,
		query.EndCursor:       nil,
	}
	if len(edges) > 0 {
		info[query.StartCursor] = edges[0].Cursor
		info[query.EndCursor] = edges[len(edges)-1].Cursor
	}
	return info
}

func toEdges(in []RangeEdge) []Edge {
	out := make([]Edge, len(in))
	for i, e := range in {
		out[i] = Edge{EdgeID: e.ID, Cursor: e.Cursor}
	}
	return out
}

func toInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case float64:
		if x > math.MaxInt32 {
			return math.MaxInt32
		}
		return int(x)
	case string:
		n, err := strconv.Atoi(x)
		if err == nil {
			return n
		}
	}
	return 0
}
