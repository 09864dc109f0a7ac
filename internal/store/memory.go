package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	query "github.com/hanpama/graphcache/internal/query"
)

// Record is a normalized record.
type Record struct {
	ID       string `json:"id"`
	Typename string `json:"__typename,omitempty"`
	// Deleted marks a record known not to exist.
	Deleted bool `json:"deleted,omitempty"`
	// Fields holds scalar values; a nil value is a known null.
	Fields map[string]any `json:"fields,omitempty"`
	// Links holds singular links; a nil target is a known null link.
	Links map[string]*string `json:"links,omitempty"`
	// PluralLinks holds plural links; a nil slice is a known null list.
	PluralLinks map[string][]string `json:"pluralLinks,omitempty"`
	// Range holds the fetched edges of a connection record.
	Range *Range `json:"range,omitempty"`
}

// Range is the fetched, contiguous segment of a connection.
type Range struct {
	Edges           []RangeEdge `json:"edges"`
	HasNextPage     bool        `json:"hasNextPage"`
	HasPreviousPage bool        `json:"hasPreviousPage"`
}

// RangeEdge is an edge record id with its cursor.
type RangeEdge struct {
	ID     string `json:"id"`
	Cursor string `json:"cursor"`
}

// Snapshot is a serializable copy of a MemoryStore.
type Snapshot struct {
	Roots   map[string]map[string]string `json:"roots"`
	Records map[string]*Record           `json:"records"`
}

// MemoryStore is a mutable in-memory store. Writes are reported to an
// optional Broadcaster after the store lock is released.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	roots   map[string]map[string]string
	views   map[string]string
	changes Broadcaster
}

var _ Reader = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. changes may be nil.
func NewMemoryStore(changes Broadcaster) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		roots:   make(map[string]map[string]string),
		views:   make(map[string]string),
		changes: changes,
	}
}

// DataID returns the record id of a root call. `node(id)` calls address the
// record by its id directly.
func (s *MemoryStore) DataID(storageKey, argKey string) (string, bool) {
	if storageKey == query.NodeField && argKey != "" {
		return argKey, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roots[storageKey][argKey]
	return id, ok
}

func (s *MemoryStore) RecordState(id string) RecordState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.records[id]
	switch {
	case r == nil:
		return Unknown
	case r.Deleted:
		return Nonexistent
	default:
		return Existent
	}
}

func (s *MemoryStore) Field(id, key string) (any, Lookup) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.records[id]
	if r == nil {
		return nil, Missing
	}
	if r.Deleted {
		return nil, Null
	}
	v, ok := r.Fields[key]
	if !ok {
		return nil, Missing
	}
	if v == nil {
		return nil, Null
	}
	return v, Present
}

func (s *MemoryStore) LinkedRecordID(id, key string) (string, Lookup) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.records[id]
	if r == nil {
		return "", Missing
	}
	if r.Deleted {
		return "", Null
	}
	target, ok := r.Links[key]
	if !ok {
		return "", Missing
	}
	if target == nil {
		return "", Null
	}
	return *target, Present
}

func (s *MemoryStore) LinkedRecordIDs(id, key string) ([]string, Lookup) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.records[id]
	if r == nil {
		return nil, Missing
	}
	if r.Deleted {
		return nil, Null
	}
	ids, ok := r.PluralLinks[key]
	if !ok {
		return nil, Missing
	}
	if ids == nil {
		return nil, Null
	}
	return slices.Clone(ids), Present
}

func (s *MemoryStore) RangeMetadata(id string, calls []query.Call) (*RangeInfo, Lookup) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.records[s.canonical(id)]
	if r == nil {
		return nil, Missing
	}
	if r.Deleted {
		return nil, Null
	}
	if r.Range == nil {
		return nil, Missing
	}
	return r.Range.info(calls), Present
}

func (s *MemoryStore) Type(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.records[id]; r != nil {
		return r.Typename
	}
	return ""
}

func (s *MemoryStore) CanonicalID(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonical(id)
}

func (s *MemoryStore) canonical(id string) string {
	if c, ok := s.views[id]; ok {
		return c
	}
	return id
}

// ------------------ Writes ------------------

// Put inserts or replaces a record.
func (s *MemoryStore) Put(r *Record) {
	s.mu.Lock()
	s.records[r.ID] = cloneRecord(r)
	s.mu.Unlock()
	s.broadcast(r.ID)
}

// Record returns a copy of a record, or nil.
func (s *MemoryStore) Record(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.records[id]; r != nil {
		return cloneRecord(r)
	}
	return nil
}

// SetType sets the concrete type of a record, creating it if needed.
func (s *MemoryStore) SetType(id, typename string) {
	s.update(id, func(r *Record) { r.Typename = typename })
}

// SetField stores a scalar value; nil stores a known null.
func (s *MemoryStore) SetField(id, key string, value any) {
	s.update(id, func(r *Record) {
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		r.Fields[key] = value
	})
}

// SetLink links key on id to target.
func (s *MemoryStore) SetLink(id, key, target string) {
	s.update(id, func(r *Record) {
		if r.Links == nil {
			r.Links = make(map[string]*string)
		}
		r.Links[key] = &target
	})
}

// SetNullLink records that key on id links to nothing.
func (s *MemoryStore) SetNullLink(id, key string) {
	s.update(id, func(r *Record) {
		if r.Links == nil {
			r.Links = make(map[string]*string)
		}
		r.Links[key] = nil
	})
}

// SetLinks stores a plural link; a nil slice stores a known null.
func (s *MemoryStore) SetLinks(id, key string, targets []string) {
	s.update(id, func(r *Record) {
		if r.PluralLinks == nil {
			r.PluralLinks = make(map[string][]string)
		}
		r.PluralLinks[key] = slices.Clone(targets)
	})
}

// SetRange stores the fetched edges of a connection record.
func (s *MemoryStore) SetRange(id string, rng Range) {
	s.update(id, func(r *Record) {
		cp := rng
		cp.Edges = slices.Clone(rng.Edges)
		r.Range = &cp
	})
}

// Delete marks a record as nonexistent.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	s.records[id] = &Record{ID: id, Deleted: true}
	s.mu.Unlock()
	s.broadcast(id)
}

// SetRoot maps a root call to a record id.
func (s *MemoryStore) SetRoot(storageKey, argKey, id string) {
	s.mu.Lock()
	if s.roots[storageKey] == nil {
		s.roots[storageKey] = make(map[string]string)
	}
	s.roots[storageKey][argKey] = id
	s.mu.Unlock()
}

// AddView registers viewID as a paginated view of canonicalID.
func (s *MemoryStore) AddView(viewID, canonicalID string) {
	s.mu.Lock()
	s.views[viewID] = canonicalID
	s.mu.Unlock()
}

// Snapshot copies the roots and records of the store.
func (s *MemoryStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Roots:   make(map[string]map[string]string, len(s.roots)),
		Records: make(map[string]*Record, len(s.records)),
	}
	for k, v := range s.roots {
		snap.Roots[k] = maps.Clone(v)
	}
	for id, r := range s.records {
		snap.Records[id] = cloneRecord(r)
	}
	return snap
}

// Load merges a snapshot into the store, replacing records with the same id.
func (s *MemoryStore) Load(snap *Snapshot) {
	ids := make([]string, 0, len(snap.Records))
	s.mu.Lock()
	for k, v := range snap.Roots {
		if s.roots[k] == nil {
			s.roots[k] = make(map[string]string)
		}
		maps.Copy(s.roots[k], v)
	}
	for id, r := range snap.Records {
		cp := cloneRecord(r)
		cp.ID = id
		s.records[id] = cp
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	if s.changes != nil && len(ids) > 0 {
		s.changes.Broadcast(ids)
	}
}

// DecodeSnapshot parses a JSON snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Roots == nil {
		snap.Roots = map[string]map[string]string{}
	}
	if snap.Records == nil {
		snap.Records = map[string]*Record{}
	}
	return &snap, nil
}

func (s *MemoryStore) update(id string, f func(*Record)) {
	s.mu.Lock()
	r := s.records[id]
	if r == nil || r.Deleted {
		r = &Record{ID: id}
		s.records[id] = r
	}
	f(r)
	s.mu.Unlock()
	s.broadcast(id)
}

func (s *MemoryStore) broadcast(id string) {
	if s.changes != nil {
		s.changes.Broadcast([]string{id})
	}
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Fields = maps.Clone(r.Fields)
	cp.Links = maps.Clone(r.Links)
	if r.PluralLinks != nil {
		cp.PluralLinks = make(map[string][]string, len(r.PluralLinks))
		for k, v := range r.PluralLinks {
			cp.PluralLinks[k] = slices.Clone(v)
		}
	}
	if r.Range != nil {
		rng := *r.Range
		rng.Edges = slices.Clone(r.Range.Edges)
		cp.Range = &rng
	}
	return &cp
}
