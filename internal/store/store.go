// Package store defines the read contract the cache engine diffs and reads
// against, and provides an in-memory implementation of it.
//
// Lookups distinguish three outcomes: a value that was never fetched
// (Missing), a value known to be absent (Null), and a present value. Only
// Missing data needs to be fetched.
package store

import (
	query "github.com/hanpama/graphcache/internal/query"
)

// Lookup is the outcome of a store lookup.
type Lookup uint8

const (
	// Missing means the value was never fetched.
	Missing Lookup = iota
	// Null means the value is known to be absent.
	Null
	// Present means the value exists.
	Present
)

func (l Lookup) String() string {
	switch l {
	case Missing:
		return "missing"
	case Null:
		return "null"
	default:
		return "present"
	}
}

// RecordState describes whether a record is known to the store.
type RecordState uint8

const (
	Unknown RecordState = iota
	Existent
	Nonexistent
)

// Edge is one edge of a connection range.
type Edge struct {
	EdgeID string
	Cursor string
}

// RangeInfo describes the portion of a connection matching a set of calls.
type RangeInfo struct {
	// FilteredEdges are the fetched edges matching the calls, in order.
	FilteredEdges []Edge
	// DiffCalls are the calls that would fetch the edges still missing. They
	// include the filter calls and are empty when the range is complete.
	DiffCalls []query.Call
	// FilterCalls are the non-range calls.
	FilterCalls []query.Call
	// PageInfo holds the page info values, or nil when unknown.
	PageInfo map[string]any
}

// Reader is the read-only store API consumed by the diff engine, the
// availability checker and the resolvers.
type Reader interface {
	// DataID returns the record id of a root call.
	DataID(storageKey, argKey string) (string, bool)
	RecordState(id string) RecordState
	Field(id, key string) (any, Lookup)
	LinkedRecordID(id, key string) (string, Lookup)
	LinkedRecordIDs(id, key string) ([]string, Lookup)
	RangeMetadata(id string, calls []query.Call) (*RangeInfo, Lookup)
	// Type returns the concrete type name of a record, or "" when unknown.
	Type(id string) string
	// CanonicalID maps the id of a paginated view to the id of the
	// underlying record.
	CanonicalID(id string) string
}

// Broadcaster receives the ids of records changed by a write.
type Broadcaster interface {
	Broadcast(ids []string)
}
