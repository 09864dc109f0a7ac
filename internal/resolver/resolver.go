// Package resolver produces live, referentially stable views of store data.
//
// A Single resolver reads a fragment at one record id and subscribes to the
// records it touched. Until one of them changes, resolving the same fragment
// at the same id returns the previous result itself. After a change the data
// is read again and recycled against the previous result, so unchanged
// substructures keep their identity. A Plural resolver keeps one Single
// resolver per position of a list of ids.
package resolver

import (
	"sort"

	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/gc"
	"github.com/hanpama/graphcache/internal/notify"
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/recycle"
	"github.com/hanpama/graphcache/internal/store"
)

// ChangeEmitter notifies listeners of record changes.
type ChangeEmitter interface {
	AddListenerForIDs(ids []string, cb func(changed []string)) notify.Subscription
}

// Env holds the collaborators shared by resolvers. GC and Diag may be nil.
type Env struct {
	Store   store.Reader
	Changes ChangeEmitter
	GC      gc.RefCounter
	Diag    diag.Sink
}

// Single resolves a fragment at one record id.
type Single struct {
	env      *Env
	onChange func()

	fragment *query.Node
	resultID string
	result   any
	hasData  bool

	dirty        bool
	subscription notify.Subscription
	// referenced holds the canonical ids whose reference counts this
	// resolver incremented.
	referenced map[string]struct{}
}

// NewSingle creates a resolver. onChange, if set, is called once per batch
// of changes to subscribed records until the next Resolve.
func NewSingle(env *Env, onChange func()) *Single {
	return &Single{env: env, onChange: onChange}
}

// Resolve returns the data of fragment at id.
func (r *Single) Resolve(fragment *query.Node, id string) any {
	nextID := r.env.Store.CanonicalID(id)
	var (
		next    any
		touched map[string]struct{}
		read    bool
	)
	switch {
	case r.hasData && r.env.Store.CanonicalID(r.resultID) == nextID:
		if r.resultID != nextID || r.dirty || !fragment.Equivalent(r.fragment) {
			res := reader.Read(r.env.Store, fragment, nextID)
			next, touched, read = recycle.Recycle(r.result, res.Data), res.Touched, true
		} else {
			next = r.result
		}
	default:
		res := reader.Read(r.env.Store, fragment, nextID)
		next, touched, read = res.Data, res.Touched, true
	}

	if !r.hasData || nextID != r.resultID || read && !recycle.Same(next, r.result) {
		if r.subscription != nil {
			r.subscription.Remove()
			r.subscription = nil
		}
		touched[nextID] = struct{}{}
		r.subscription = r.env.Changes.AddListenerForIDs(sortedIDs(touched), r.handleChange)
		r.updateReferenceCounts(touched)
		r.resultID = nextID
		r.result = next
		r.hasData = true
	}
	r.dirty = false
	r.fragment = fragment
	return r.result
}

// Dispose removes the subscription and releases every reference held.
func (r *Single) Dispose() {
	if r.subscription != nil {
		r.subscription.Remove()
		r.subscription = nil
	}
	r.updateReferenceCounts(nil)
	r.dirty = false
	r.fragment = nil
	r.result = nil
	r.resultID = ""
	r.hasData = false
}

func (r *Single) handleChange([]string) {
	if r.dirty {
		return
	}
	r.dirty = true
	if r.onChange != nil {
		r.onChange()
	}
}

// updateReferenceCounts moves references from the ids referenced so far to
// the canonical ids of next. Views registered in the meantime do not change
// which ids are released.
func (r *Single) updateReferenceCounts(next map[string]struct{}) {
	if r.env.GC == nil {
		return
	}
	curr := r.canonical(next)
	for _, id := range sortedIDs(curr) {
		if _, ok := r.referenced[id]; !ok {
			r.env.GC.IncrementReferenceCount(id)
		}
	}
	for _, id := range sortedIDs(r.referenced) {
		if _, ok := curr[id]; !ok {
			r.env.GC.DecrementReferenceCount(id)
		}
	}
	r.referenced = curr
}

func (r *Single) canonical(ids map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for id := range ids {
		out[r.env.Store.CanonicalID(id)] = struct{}{}
	}
	return out
}

// Plural resolves a fragment at each of a list of ids.
type Plural struct {
	env       *Env
	onChange  func()
	resolvers []*Single
	results   []any
}

func NewPlural(env *Env, onChange func()) *Plural {
	return &Plural{env: env, onChange: onChange, results: []any{}}
}

// Resolve returns the data of fragment at each id. The previous slice is
// returned when every position resolved to its previous value.
func (p *Plural) Resolve(fragment *query.Node, ids []string) []any {
	for len(p.resolvers) < len(ids) {
		p.resolvers = append(p.resolvers, NewSingle(p.env, p.onChange))
	}
	for len(p.resolvers) > len(ids) {
		last := p.resolvers[len(p.resolvers)-1]
		p.resolvers = p.resolvers[:len(p.resolvers)-1]
		last.Dispose()
	}

	prev := p.results
	var next []any
	if len(prev) != len(ids) {
		next = make([]any, 0, len(ids))
	}
	for i, id := range ids {
		item := p.resolvers[i].Resolve(fragment, id)
		if next != nil || i >= len(prev) || !recycle.Same(item, prev[i]) {
			if next == nil {
				next = append(make([]any, 0, len(ids)), prev[:i]...)
			}
			next = append(next, item)
		}
	}
	if next != nil {
		p.results = next
	}
	return p.results
}

func (p *Plural) Dispose() {
	for _, r := range p.resolvers {
		r.Dispose()
	}
	p.resolvers = nil
	p.results = []any{}
}

// Resolver resolves fragments at one id or at a list of ids, switching
// between a Single and a Plural resolver as needed. The shape of the ids
// wins over the plurality declared by the fragment; a mismatch is reported
// as a diagnostic.
type Resolver struct {
	env      *Env
	onChange func()
	single   *Single
	plural   *Plural
}

func New(env *Env, onChange func()) *Resolver {
	return &Resolver{env: env, onChange: onChange}
}

// ResolveID resolves fragment at id.
func (r *Resolver) ResolveID(fragment *query.Node, id string) any {
	if fragment.IsPlural() {
		diag.Warn(r.env.Diag, diag.PluralityMismatch,
			"expected fragment `%s` to be non-plural because it was used with a single id", fragment.Name())
	}
	if r.plural != nil {
		r.plural.Dispose()
		r.plural = nil
	}
	if r.single == nil {
		r.single = NewSingle(r.env, r.onChange)
	}
	return r.single.Resolve(fragment, id)
}

// ResolveIDs resolves fragment at each of ids.
func (r *Resolver) ResolveIDs(fragment *query.Node, ids []string) []any {
	if !fragment.IsPlural() {
		diag.Warn(r.env.Diag, diag.PluralityMismatch,
			"expected fragment `%s` to be plural because it was used with a list of ids", fragment.Name())
	}
	if r.single != nil {
		r.single.Dispose()
		r.single = nil
	}
	if r.plural == nil {
		r.plural = NewPlural(r.env, r.onChange)
	}
	return r.plural.Resolve(fragment, ids)
}

func (r *Resolver) Dispose() {
	if r.single != nil {
		r.single.Dispose()
		r.single = nil
	}
	if r.plural != nil {
		r.plural.Dispose()
		r.plural = nil
	}
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
