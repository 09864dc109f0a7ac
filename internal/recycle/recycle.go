// Package recycle keeps the identity of unchanged substructures between two
// reads of the same data.
//
// Read results are trees of map[string]any and []any. Recycle returns prev
// when next is structurally equal to it, and otherwise returns next with
// every equal subtree of prev installed in place.
package recycle

import (
	"reflect"
	"unsafe"
)

// Recycle merges prev into next. next may be modified; prev never is.
func Recycle(prev, next any) any {
	switch n := next.(type) {
	case []any:
		p, ok := prev.([]any)
		if !ok {
			return next
		}
		reuse := len(p) == len(n)
		for i := range n {
			var pv any
			if i < len(p) {
				pv = p[i]
			}
			if r := Recycle(pv, n[i]); !Same(r, n[i]) {
				n[i] = r
			}
			reuse = reuse && i < len(p) && Same(n[i], p[i])
		}
		if reuse {
			return prev
		}
		return next
	case map[string]any:
		p, ok := prev.(map[string]any)
		if !ok {
			return next
		}
		reuse := len(p) == len(n)
		for k, nv := range n {
			pv, had := p[k]
			if r := Recycle(pv, nv); !Same(r, nv) {
				n[k] = r
			}
			reuse = reuse && had && Same(n[k], pv)
		}
		if reuse {
			return prev
		}
		return next
	default:
		return next
	}
}

// Same reports referential identity for maps and slices and equality for
// comparable values.
func Same(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		return ok && (x == nil) == (y == nil) && reflect.ValueOf(x).UnsafePointer() == reflect.ValueOf(y).UnsafePointer()
	case []any:
		y, ok := b.([]any)
		return ok && len(x) == len(y) && (x == nil) == (y == nil) && unsafe.SliceData(x) == unsafe.SliceData(y)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
