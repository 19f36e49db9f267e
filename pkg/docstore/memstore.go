package docstore

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// WriteHook is invoked before every Set and Update on a [MemStore]. A
// non-nil error aborts the write. Hooks may block; they receive the caller's
// context.
type WriteHook func(ctx context.Context, collection, id string) error

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithWriteHook installs h as the write hook.
func WithWriteHook(h WriteHook) MemOption {
	return func(s *MemStore) { s.hook = h }
}

type memEntry struct {
	data    Document
	version int64
}

// MemStore is an in-memory [Store]. Documents are normalised through JSON on
// write, so values read back have the same shapes as from a real backend.
type MemStore struct {
	hook WriteHook

	mu       sync.Mutex
	colls    map[string]map[string]*memEntry
	watchers map[*memWatcher]struct{}
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty [MemStore].
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{
		colls:    make(map[string]map[string]*memEntry),
		watchers: make(map[*memWatcher]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get implements [Store].
func (s *MemStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(collection, id), nil
}

// Set implements [Store].
func (s *MemStore) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := s.beforeWrite(ctx, collection, id); err != nil {
		return err
	}
	norm, err := Encode(doc)
	if err != nil {
		return err
	}
	if norm == nil {
		norm = Document{}
	}

	s.mu.Lock()
	coll := s.colls[collection]
	if coll == nil {
		coll = make(map[string]*memEntry)
		s.colls[collection] = coll
	}
	e := coll[id]
	if e == nil {
		e = &memEntry{}
		coll[id] = e
	}
	e.data = norm
	e.version++
	s.notifyLocked(collection)
	s.mu.Unlock()
	return nil
}

// Update implements [Store].
func (s *MemStore) Update(ctx context.Context, collection, id string, patch Document) error {
	if err := s.beforeWrite(ctx, collection, id); err != nil {
		return err
	}
	norm, err := Encode(patch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.colls[collection][id]
	if e == nil {
		return ErrNotFound
	}
	merged := maps.Clone(e.data)
	maps.Copy(merged, norm)
	e.data = merged
	e.version++
	s.notifyLocked(collection)
	return nil
}

// Query implements [Store].
func (s *MemStore) Query(ctx context.Context, collection string, filter Filter) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm, err := normaliseFilter(filter)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(collection, norm), nil
}

// Watch implements [Store].
func (s *MemStore) Watch(ctx context.Context, collection, id string, fn DocFunc) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := newMemWatcher(s, collection, func(snaps []Snapshot) { fn(snaps[0], nil) })
	w.id = id

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	w.push([]Snapshot{s.snapshotLocked(collection, id)})
	s.mu.Unlock()

	go w.run()
	return w, nil
}

// WatchQuery implements [Store].
func (s *MemStore) WatchQuery(ctx context.Context, collection string, filter Filter, fn QueryFunc) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm, err := normaliseFilter(filter)
	if err != nil {
		return nil, err
	}
	w := newMemWatcher(s, collection, func(snaps []Snapshot) { fn(snaps, nil) })
	w.query = true
	w.filter = norm

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	w.push(s.queryLocked(collection, norm))
	s.mu.Unlock()

	go w.run()
	return w, nil
}

func (s *MemStore) beforeWrite(ctx context.Context, collection, id string) error {
	if s.hook != nil {
		if err := s.hook(ctx, collection, id); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// snapshotLocked must be called with s.mu held.
func (s *MemStore) snapshotLocked(collection, id string) Snapshot {
	e := s.colls[collection][id]
	if e == nil {
		return Snapshot{ID: id}
	}
	return Snapshot{ID: id, Exists: true, Version: e.version, Data: maps.Clone(e.data)}
}

// queryLocked must be called with s.mu held.
func (s *MemStore) queryLocked(collection string, filter Document) []Snapshot {
	coll := s.colls[collection]
	ids := slices.Sorted(maps.Keys(coll))
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		e := coll[id]
		if matches(e.data, filter) {
			out = append(out, Snapshot{ID: id, Exists: true, Version: e.version, Data: maps.Clone(e.data)})
		}
	}
	return out
}

// notifyLocked pushes fresh state to every watcher of collection. Must be
// called with s.mu held.
func (s *MemStore) notifyLocked(collection string) {
	for w := range s.watchers {
		if w.collection != collection {
			continue
		}
		if w.query {
			w.push(s.queryLocked(collection, w.filter))
		} else {
			w.push([]Snapshot{s.snapshotLocked(collection, w.id)})
		}
	}
}

func (s *MemStore) removeWatcher(w *memWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

func normaliseFilter(f Filter) (Document, error) {
	if len(f) == 0 {
		return nil, nil
	}
	return Encode(f.Object())
}

func matches(doc, filter Document) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// memWatcher delivers the latest pending state on its own goroutine.
// Intermediate states are coalesced; the callback always sees the newest.
type memWatcher struct {
	store      *MemStore
	collection string
	id         string
	query      bool
	filter     Document
	deliver    func([]Snapshot)

	mu      sync.Mutex
	pending []Snapshot
	has     bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMemWatcher(s *MemStore, collection string, deliver func([]Snapshot)) *memWatcher {
	return &memWatcher{
		store:      s,
		collection: collection,
		deliver:    deliver,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (w *memWatcher) push(snaps []Snapshot) {
	w.mu.Lock()
	w.pending = snaps
	w.has = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		w.mu.Lock()
		snaps, ok := w.pending, w.has
		w.pending, w.has = nil, false
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		if ok {
			w.deliver(snaps)
		}
	}
}

// Stop implements [Subscription].
func (w *memWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.store.removeWatcher(w)
	})
}
