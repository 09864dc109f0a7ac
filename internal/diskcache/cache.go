// Package diskcache persists normalized records in badger and restores the
// records a set of queries selects into a MemoryStore.
//
// Keys are `root/<storageKey>/<argKey>` for root call mappings and
// `record/<id>` for JSON encoded records.
package diskcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	availability "github.com/hanpama/graphcache/internal/availability"
	"github.com/hanpama/graphcache/internal/diag"
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

// Scheduler posts a function to a later turn of the loop.
type Scheduler interface {
	Post(func())
}

// ErrIncomplete reports a restore after which some query is still not
// fully available.
var ErrIncomplete = errors.New("diskcache: cached data is incomplete")

// Callbacks receive the outcome of a restore. Either may be nil.
type Callbacks struct {
	OnSuccess func()
	OnFailure func(err error)
}

// Cache is a badger backed record cache for one MemoryStore.
type Cache struct {
	db    *badger.DB
	store *store.MemoryStore
	sched Scheduler
	diag  diag.Sink
	wg    sync.WaitGroup
}

type Option func(*Cache)

func WithDiagnostics(s diag.Sink) Option { return func(c *Cache) { c.diag = s } }

// Open opens the cache database. Restored records are loaded into st on
// sched's loop.
func Open(cfg Config, st *store.MemoryStore, sched Scheduler, opts ...Option) (*Cache, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	c := &Cache{db: db, store: st, sched: sched}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close waits for pending restores and closes the database.
func (c *Cache) Close() error {
	c.wg.Wait()
	return c.db.Close()
}

// Wait blocks until every restore started so far has posted its result.
func (c *Cache) Wait() { c.wg.Wait() }

func rootKey(storageKey, argKey string) []byte {
	return []byte("root/" + storageKey + "/" + argKey)
}

func recordKey(id string) []byte { return []byte("record/" + id) }

// WriteSnapshot persists the roots and records of snap.
func (c *Cache) WriteSnapshot(snap *store.Snapshot) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for storageKey, args := range snap.Roots {
		for argKey, id := range args {
			if err := wb.Set(rootKey(storageKey, argKey), []byte(id)); err != nil {
				return fmt.Errorf("write root %s: %w", storageKey, err)
			}
		}
	}
	for id, r := range snap.Records {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", id, err)
		}
		if err := wb.Set(recordKey(id), b); err != nil {
			return fmt.Errorf("write record %s: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	return nil
}

// ReadFromDiskCache restores the records selected by queries. The database
// is read on its own goroutine; loading and the callbacks run on the loop.
// Records the store already knows are kept. OnSuccess runs when every query
// is then fully available; otherwise OnFailure receives ErrIncomplete or
// the read error.
func (c *Cache) ReadFromDiskCache(queries map[string]*query.Node, cb Callbacks) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		snap, err := c.read(queries)
		c.sched.Post(func() { c.restore(queries, snap, err, cb) })
	}()
}

func (c *Cache) restore(queries map[string]*query.Node, snap *store.Snapshot, err error, cb Callbacks) {
	if err != nil {
		diag.Error(c.diag, diag.CacheRestoreFailed, err)
		fail(cb.OnFailure, err)
		return
	}
	for storageKey, args := range snap.Roots {
		for argKey := range args {
			if _, ok := c.store.DataID(storageKey, argKey); ok {
				delete(args, argKey)
			}
		}
	}
	for id := range snap.Records {
		if c.store.RecordState(id) != store.Unknown {
			delete(snap.Records, id)
		}
	}
	c.store.Load(snap)
	for _, q := range queries {
		if q != nil && !availability.IsAvailable(q, c.store) {
			fail(cb.OnFailure, ErrIncomplete)
			return
		}
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess()
	}
}

func fail(f func(error), err error) {
	if f != nil {
		f(err)
	}
}

func (c *Cache) read(queries map[string]*query.Node) (*store.Snapshot, error) {
	r := &restorer{
		snap: &store.Snapshot{
			Roots:   make(map[string]map[string]string),
			Records: make(map[string]*store.Record),
		},
	}
	err := c.db.View(func(txn *badger.Txn) error {
		r.txn = txn
		for _, q := range queries {
			if q == nil {
				continue
			}
			if err := r.root(q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	return r.snap, nil
}

// restorer collects the records reachable through a query.
type restorer struct {
	txn  *badger.Txn
	snap *store.Snapshot
	// missing remembers ids not found in the cache.
	missing map[string]bool
}

func (r *restorer) root(q *query.Node) error {
	storageKey := q.StorageKey()
	for _, arg := range q.RootCallArgs() {
		id, ok, err := r.rootID(storageKey, arg.Key)
		if err != nil {
			return err
		}
		if !ok {
			if q.FieldName() != query.NodeField || arg.Key == "" {
				continue
			}
			id = arg.Key
		} else {
			if r.snap.Roots[storageKey] == nil {
				r.snap.Roots[storageKey] = make(map[string]string)
			}
			r.snap.Roots[storageKey][arg.Key] = id
		}
		if err := r.visit(q, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *restorer) rootID(storageKey, argKey string) (string, bool, error) {
	item, err := r.txn.Get(rootKey(storageKey, argKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

func (r *restorer) record(id string) (*store.Record, error) {
	if rec, ok := r.snap.Records[id]; ok {
		return rec, nil
	}
	if r.missing[id] {
		return nil, nil
	}
	item, err := r.txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		if r.missing == nil {
			r.missing = make(map[string]bool)
		}
		r.missing[id] = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec store.Record
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	r.snap.Records[id] = &rec
	return &rec, nil
}

func (r *restorer) visit(n *query.Node, id string) error {
	rec, err := r.record(id)
	if err != nil || rec == nil || rec.Deleted {
		return err
	}
	return r.children(n, rec, nil)
}

// children follows the links n selects on rec. rng is set when rec is a
// connection record.
func (r *restorer) children(n *query.Node, rec *store.Record, rng *store.Range) error {
	for _, child := range n.Children() {
		var err error
		switch {
		case child.IsFragment():
			err = r.children(child, rec, rng)
		case rng != nil && child.SchemaName() == query.EdgesField:
			for _, e := range rng.Edges {
				if err = r.visit(child, e.ID); err != nil {
					break
				}
			}
		case child.IsScalar():
		case child.IsConnection():
			if target := rec.Links[child.StorageKey()]; target != nil {
				err = r.visitConnection(child, *target)
			}
		case child.IsPlural():
			for _, id := range rec.PluralLinks[child.StorageKey()] {
				if err = r.visit(child, id); err != nil {
					break
				}
			}
		default:
			if target := rec.Links[child.StorageKey()]; target != nil {
				err = r.visit(child, *target)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *restorer) visitConnection(n *query.Node, id string) error {
	rec, err := r.record(id)
	if err != nil || rec == nil || rec.Deleted {
		return err
	}
	return r.children(n, rec, rec.Range)
}
