package dashsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Keys
// ============================================================================

const (
	EntityChats = "chats"
	EntityChat  = "chat"
	EntityCalls = "calls"
	EntityCall  = "call"
)

// Key addresses one cached query result: an entity type, the organisation
// it belongs to, and a scope (a filter encoding for lists, an id for
// details). Keys that differ in any part never share data.
type Key struct {
	Entity string
	Org    string
	Scope  string
}

func (k Key) String() string {
	return k.Entity + "/" + k.Org + "/" + k.Scope
}

func ChatListKey(org string, f Filter) Key { return Key{Entity: EntityChats, Org: org, Scope: f.Key()} }
func ChatKey(org, chatID string) Key       { return Key{Entity: EntityChat, Org: org, Scope: chatID} }
func CallListKey(org string, f Filter) Key { return Key{Entity: EntityCalls, Org: org, Scope: f.Key()} }
func CallKey(org, callID string) Key       { return Key{Entity: EntityCall, Org: org, Scope: callID} }

// MatchEntity matches every key of one entity type in one organisation.
func MatchEntity(entity, org string) func(Key) bool {
	return func(k Key) bool { return k.Entity == entity && k.Org == org }
}

// ============================================================================
// Store
// ============================================================================

// Fetcher loads the current value of a key from the backend.
type Fetcher func(ctx context.Context) (any, error)

// Merger is a fetch result that is combined with the value cached at the
// moment the fetch lands, rather than replacing it. Merge runs under the
// store lock and must not call back into the store.
type Merger interface {
	Merge(current any) any
}

// Entry is a snapshot of a cached value.
type Entry struct {
	Value     any
	UpdatedAt time.Time
	Stale     bool
	Fetching  bool
	Err       error
}

type entry struct {
	Entry
	inflight int  // Fetch calls running for the key
	looping  bool // a background refetch owns the key
	again    bool // invalidated while fetching; fetch once more
}

func (e *entry) syncFetching() {
	e.Fetching = e.inflight > 0 || e.looping
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.log = orNop(l) }
}

// WithRefetchTimeout bounds each background refetch.
func WithRefetchTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.refetchTimeout = d }
}

// Store is a goroutine-safe, key-addressable cache of query results.
//
// Values are treated as immutable: Patch and Update take a function from the
// old value to a new one and store the result, so a snapshot handed out by
// Get never changes underneath its holder. Invalidate keeps the current
// value readable while a background refetch runs.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]*entry
	gens     map[Key]uint64
	fetchers map[Key]Fetcher
	group    singleflight.Group

	subsMu  sync.RWMutex
	subs    map[int]func(Key)
	nextSub int

	log            *zap.Logger
	refetchTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		entries:        make(map[Key]*entry),
		gens:           make(map[Key]uint64),
		fetchers:       make(map[Key]Fetcher),
		subs:           make(map[int]func(Key)),
		log:            zap.NewNop(),
		refetchTimeout: 30 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close cancels background refetches and waits for them to return.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until all scheduled background refetches have finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// ── Reads ────────────────────────────────────────────────

func (s *Store) Get(k Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Keys returns all cached keys accepted by match.
func (s *Store) Keys(match func(Key) bool) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysLocked(match)
}

func (s *Store) keysLocked(match func(Key) bool) []Key {
	var keys []Key
	for k := range s.entries {
		if match == nil || match(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ── Writes ───────────────────────────────────────────────

// Set replaces the value of k and clears its stale and error state.
func (s *Store) Set(k Key, v any) {
	s.mu.Lock()
	s.setLocked(k, v)
	s.mu.Unlock()
	s.notify(k)
}

func (s *Store) setLocked(k Key, v any) {
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	e.Value = v
	e.UpdatedAt = time.Now()
	e.Stale = false
	e.Err = nil
}

// Patch applies fn to the cached value of k. fn must return a new value
// rather than mutate its argument, and must not call back into the store.
// Patch reports false, doing nothing, when k is not cached.
func (s *Store) Patch(k Key, fn func(old any) any) bool {
	s.mu.Lock()
	ok := s.patchLocked(k, fn)
	s.mu.Unlock()
	if ok {
		s.notify(k)
	}
	return ok
}

func (s *Store) patchLocked(k Key, fn func(old any) any) bool {
	e, ok := s.entries[k]
	if !ok {
		return false
	}
	e.Value = fn(e.Value)
	e.UpdatedAt = time.Now()
	CachePatchesTotal.WithLabelValues(k.Entity).Inc()
	return true
}

// Tx is a set of patches applied under one lock by Batch.
type Tx struct {
	s       *Store
	changed map[Key]struct{}
}

func (tx *Tx) Keys(match func(Key) bool) []Key {
	return tx.s.keysLocked(match)
}

// Patch applies fn to k when fn reports a change.
func (tx *Tx) Patch(k Key, fn func(old any) (any, bool)) bool {
	e, ok := tx.s.entries[k]
	if !ok {
		return false
	}
	v, changed := fn(e.Value)
	if !changed {
		return false
	}
	e.Value = v
	e.UpdatedAt = time.Now()
	CachePatchesTotal.WithLabelValues(k.Entity).Inc()
	tx.changed[k] = struct{}{}
	return true
}

// Batch runs fn with exclusive access to the store so that several keys can
// be patched as one atomic step. Subscribers are notified after fn returns.
// It returns the keys that were patched.
func (s *Store) Batch(fn func(tx *Tx)) []Key {
	tx := &Tx{s: s, changed: make(map[Key]struct{})}
	s.mu.Lock()
	fn(tx)
	s.mu.Unlock()

	keys := make([]Key, 0, len(tx.changed))
	for k := range tx.changed {
		keys = append(keys, k)
		s.notify(k)
	}
	return keys
}

// Generation returns the removal counter of k. Pass it to Commit to make a
// write conditional on k not having been removed or reset in between.
func (s *Store) Generation(k Key) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[k]
}

// Commit stores fn(old) under k unless k was removed after gen was read,
// in which case it returns ErrStaleResponse. old is nil when k is not
// cached. The stale flag of an existing entry is preserved.
func (s *Store) Commit(k Key, gen uint64, fn func(old any) any) error {
	s.mu.Lock()
	if s.gens[k] != gen {
		s.mu.Unlock()
		StaleResponsesTotal.WithLabelValues("store").Inc()
		return ErrStaleResponse
	}
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	e.Value = fn(e.Value)
	e.UpdatedAt = time.Now()
	e.Err = nil
	s.mu.Unlock()
	s.notify(k)
	return nil
}

// Remove drops k. Any fetch for k still in flight is discarded when it
// returns.
func (s *Store) Remove(k Key) {
	s.mu.Lock()
	delete(s.entries, k)
	s.gens[k]++
	s.mu.Unlock()
	s.notify(k)
}

// ── Fetching ─────────────────────────────────────────────

// Register sets the fetcher used by Invalidate to refetch k.
func (s *Store) Register(k Key, f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		delete(s.fetchers, k)
		return
	}
	s.fetchers[k] = f
}

// Fetch loads k with f (or the registered fetcher when f is nil) and stores
// the result. Concurrent fetches of the same key share one request. If k is
// removed while the request is in flight the result is dropped and
// ErrStaleResponse is returned. If k is invalidated while the request is in
// flight the result is stored stale and k is fetched again in the
// background.
func (s *Store) Fetch(ctx context.Context, k Key, f Fetcher) (any, error) {
	s.mu.Lock()
	if f == nil {
		f = s.fetchers[k]
	}
	if f == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("no fetcher registered for %s", k)
	}
	gen := s.gens[k]
	if e, ok := s.entries[k]; ok {
		e.inflight++
		e.syncFetching()
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(fmt.Sprintf("%s#%d", k, gen), func() (any, error) {
		return f(ctx)
	})

	s.mu.Lock()
	if s.gens[k] != gen {
		s.mu.Unlock()
		StaleResponsesTotal.WithLabelValues("store").Inc()
		s.log.Debug("dropping stale fetch", zap.Stringer("key", k))
		return nil, ErrStaleResponse
	}
	if err != nil {
		start := false
		if e, ok := s.entries[k]; ok {
			e.Err = err
			start = s.finishFetchLocked(k, e)
		}
		s.mu.Unlock()
		s.notify(k)
		s.startRefetch(k, start)
		return nil, err
	}
	if m, ok := v.(Merger); ok {
		var cur any
		if e, ok := s.entries[k]; ok {
			cur = e.Value
		}
		v = m.Merge(cur)
	}
	s.setLocked(k, v)
	e := s.entries[k]
	start := s.finishFetchLocked(k, e)
	if e.again || start {
		// Answered before the latest invalidation.
		e.Stale = true
	}
	s.mu.Unlock()
	s.notify(k)
	s.startRefetch(k, start)
	return v, nil
}

// finishFetchLocked ends one Fetch of k and reports whether an invalidation
// that arrived meanwhile needs a new background refetch. When a background
// refetch already owns k it picks the invalidation up itself.
func (s *Store) finishFetchLocked(k Key, e *entry) bool {
	if e.inflight > 0 {
		e.inflight--
	}
	start := e.again && !e.looping && e.inflight == 0 &&
		s.fetchers[k] != nil && s.ctx.Err() == nil
	if start {
		e.again = false
		e.looping = true
	}
	e.syncFetching()
	return start
}

func (s *Store) startRefetch(k Key, start bool) {
	if !start {
		return
	}
	s.wg.Add(1)
	go s.refetch(k)
}

// Invalidate marks k stale and refetches it in the background. The current
// value stays readable until the refetch lands; a failed refetch keeps it.
// Reports false when k is not cached.
func (s *Store) Invalidate(k Key) bool {
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.Stale = true
	start := false
	if _, hasFetcher := s.fetchers[k]; hasFetcher {
		if e.looping || e.inflight > 0 {
			e.again = true
		} else {
			e.looping = true
			start = true
		}
		e.syncFetching()
	}
	s.mu.Unlock()

	CacheInvalidationsTotal.WithLabelValues(k.Entity).Inc()
	s.notify(k)
	s.startRefetch(k, start)
	return true
}

// InvalidateMatching invalidates every cached key accepted by match.
func (s *Store) InvalidateMatching(match func(Key) bool) int {
	n := 0
	for _, k := range s.Keys(match) {
		if s.Invalidate(k) {
			n++
		}
	}
	return n
}

func (s *Store) refetch(k Key) {
	defer s.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(s.ctx, s.refetchTimeout)
		_, err := s.Fetch(ctx, k, nil)
		cancel()
		switch {
		case err == nil:
			CacheRefetchTotal.WithLabelValues(k.Entity, "ok").Inc()
		case errors.Is(err, ErrStaleResponse):
			CacheRefetchTotal.WithLabelValues(k.Entity, "stale").Inc()
			return
		default:
			CacheRefetchTotal.WithLabelValues(k.Entity, "error").Inc()
			s.log.Warn("background refetch failed", zap.Stringer("key", k), zap.Error(err))
		}

		s.mu.Lock()
		e, ok := s.entries[k]
		again := ok && e.again && s.ctx.Err() == nil
		if ok {
			e.again = false
			e.looping = again
			e.syncFetching()
		}
		s.mu.Unlock()
		if !again {
			return
		}
	}
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe registers fn to be called with every key that changes. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Key)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(k Key) {
	s.subsMu.RLock()
	handlers := make([]func(Key), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subsMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("store subscriber panicked", zap.Any("panic", r), zap.Stringer("key", k))
				}
			}()
			h(k)
		}()
	}
}

// ============================================================================
// Typed access
// ============================================================================

// Lookup returns the cached value of k as a T.
func Lookup[T any](s *Store, k Key) (T, bool) {
	e, ok := s.Get(k)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := e.Value.(T)
	return v, ok
}

// Update patches k with a typed function. Values of another type are left
// untouched and Update reports false.
func Update[T any](s *Store, k Key, fn func(T) T) bool {
	applied := false
	s.Patch(k, func(old any) any {
		v, ok := old.(T)
		if !ok {
			return old
		}
		applied = true
		return fn(v)
	})
	return applied
}

// UpdateTx patches k inside a Batch. fn reports whether it changed
// anything; unchanged keys are neither stored nor notified.
func UpdateTx[T any](tx *Tx, k Key, fn func(T) (T, bool)) bool {
	return tx.Patch(k, func(old any) (any, bool) {
		v, ok := old.(T)
		if !ok {
			return old, false
		}
		return fn(v)
	})
}
