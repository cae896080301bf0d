package dashsync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultPageSize        = 20
	DefaultScrollThreshold = 100
)

// PageFetcher loads one page of a list endpoint for an organisation and
// filter. Pages are numbered from 1.
type PageFetcher[T any] func(ctx context.Context, org string, f Filter, page, limit int) (*Page[T], error)

// ============================================================================
// PageSet
// ============================================================================

// PageSet is the cached value of a paginated list key: the pages fetched so
// far, in request order.
type PageSet[T any] struct {
	Pages []Page[T]
}

// Info returns the pagination block of the last fetched page.
func (ps PageSet[T]) Info() PageInfo {
	if len(ps.Pages) == 0 {
		return PageInfo{}
	}
	return ps.Pages[len(ps.Pages)-1].Info
}

// HasNext reports whether another page can be requested. An empty set always
// has a first page to load.
func (ps PageSet[T]) HasNext() bool {
	if len(ps.Pages) == 0 {
		return true
	}
	return ps.Info().HasNext()
}

// Flatten concatenates all pages in server order. Items whose id already
// appeared on an earlier page are skipped.
func (ps PageSet[T]) Flatten(idOf func(T) string) []T {
	n := 0
	for _, p := range ps.Pages {
		n += len(p.Items)
	}
	out := make([]T, 0, n)
	seen := make(map[string]struct{}, n)
	for _, p := range ps.Pages {
		for _, it := range p.Items {
			id := idOf(it)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, it)
		}
	}
	return out
}

// withPage returns a copy of ps with page stored at its page number,
// replacing an existing page or appending a new one.
func (ps PageSet[T]) withPage(page Page[T]) PageSet[T] {
	pages := make([]Page[T], len(ps.Pages), len(ps.Pages)+1)
	copy(pages, ps.Pages)
	if i := page.Info.Page - 1; i >= 0 && i < len(pages) {
		pages[i] = page
	} else {
		pages = append(pages, page)
	}
	return PageSet[T]{Pages: pages}
}

// mapItems applies fn to every item accepted by match. Only pages holding a
// matching item get a new Items slice; every other page is shared with ps.
func mapItems[T any](ps PageSet[T], match func(T) bool, fn func(T) (T, bool)) (PageSet[T], bool) {
	var pages []Page[T]
	for pi, p := range ps.Pages {
		var items []T
		for ii, it := range p.Items {
			if !match(it) {
				continue
			}
			next, changed := fn(it)
			if !changed {
				continue
			}
			if items == nil {
				items = make([]T, len(p.Items))
				copy(items, p.Items)
			}
			items[ii] = next
		}
		if items == nil {
			continue
		}
		if pages == nil {
			pages = make([]Page[T], len(ps.Pages))
			copy(pages, ps.Pages)
		}
		pages[pi] = Page[T]{Items: items, Info: p.Info}
	}
	if pages == nil {
		return ps, false
	}
	return PageSet[T]{Pages: pages}, true
}

// ============================================================================
// Pager
// ============================================================================

// Viewport is the scroll geometry of the rendered list, in pixels.
type Viewport struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

func (v Viewport) distanceToBottom() float64 {
	return v.ScrollHeight - v.ScrollTop - v.ClientHeight
}

// LoadState is what a list view should render.
type LoadState int

const (
	LoadIdle LoadState = iota
	LoadLoading
	LoadReady
	LoadEmpty
	LoadError
)

func (s LoadState) String() string {
	switch s {
	case LoadLoading:
		return "loading"
	case LoadReady:
		return "ready"
	case LoadEmpty:
		return "empty"
	case LoadError:
		return "error"
	default:
		return "idle"
	}
}

type pagerConfig struct {
	pageSize  int
	threshold float64
	log       *zap.Logger
}

// PagerOption configures a Pager.
type PagerOption func(*pagerConfig)

func WithPageSize(n int) PagerOption {
	return func(c *pagerConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithScrollThreshold sets how close to the bottom, in pixels, a scroll
// must come before the next page is requested.
func WithScrollThreshold(px float64) PagerOption {
	return func(c *pagerConfig) { c.threshold = px }
}

func WithPagerLogger(l *zap.Logger) PagerOption {
	return func(c *pagerConfig) { c.log = orNop(l) }
}

// Pager drives an infinite-scroll list. Its pages live in the Store under
// Key{entity, org, filter}, so push events patched into the store show up
// in Items without a refetch.
//
// At most one page request is in flight at a time. Reset cancels it and any
// response that still arrives for the previous organisation or filter is
// discarded.
type Pager[T any] struct {
	store  *Store
	entity string
	fetch  PageFetcher[T]
	idOf   func(T) string
	cfg    pagerConfig

	mu           sync.Mutex
	org          string
	filter       Filter
	key          Key
	gen          uint64
	active       bool
	loading      bool
	cancel       context.CancelFunc
	err          error
	userScrolled bool
	selected     string
}

// NewPager creates a pager for one entity type. idOf identifies items for
// de-duplication and lookups.
func NewPager[T any](store *Store, entity string, fetch PageFetcher[T], idOf func(T) string, opts ...PagerOption) *Pager[T] {
	cfg := pagerConfig{
		pageSize:  DefaultPageSize,
		threshold: DefaultScrollThreshold,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pager[T]{
		store:  store,
		entity: entity,
		fetch:  fetch,
		idOf:   idOf,
		cfg:    cfg,
	}
}

// Reset points the pager at an organisation and filter and discards every
// page fetched so far, including pages cached for the new key. A request
// in flight for the previous key is cancelled.
func (p *Pager[T]) Reset(org string, f Filter) {
	key := Key{Entity: p.entity, Org: org, Scope: f.Key()}

	p.mu.Lock()
	old, hadOld := p.key, p.active
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	p.org, p.filter, p.key, p.active = org, f, key, true
	p.loading = false
	p.err = nil
	p.userScrolled = false
	p.mu.Unlock()

	if hadOld && old != key {
		p.store.Register(old, nil)
		p.store.Remove(old)
	}
	p.store.Remove(key)
	p.store.Register(key, p.refetcher(org, f, key))
	p.cfg.log.Debug("pager reset", zap.String("entity", p.entity), zap.String("org", org), zap.String("filter", f.Key()))
}

// Close cancels any request in flight and stops background refetches of the
// current key. Cached pages are kept.
func (p *Pager[T]) Close() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
	key, active := p.key, p.active
	p.active = false
	p.loading = false
	p.mu.Unlock()
	if active {
		p.store.Register(key, nil)
	}
}

// Key returns the store key of the current list.
func (p *Pager[T]) Key() Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

func (p *Pager[T]) Filter() Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

func (p *Pager[T]) pages() PageSet[T] {
	ps, _ := Lookup[PageSet[T]](p.store, p.Key())
	return ps
}

// Items returns the flattened, de-duplicated list in server order.
func (p *Pager[T]) Items() []T {
	return p.pages().Flatten(p.idOf)
}

// HasNext reports whether the server has more pages for the current filter.
func (p *Pager[T]) HasNext() bool {
	return p.pages().HasNext()
}

// CurrentPage returns the number of the last fetched page, 0 before the
// first load.
func (p *Pager[T]) CurrentPage() int {
	return p.pages().Info().Page
}

// Loading reports whether a page request is in flight.
func (p *Pager[T]) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Err returns the error of the last failed page request.
func (p *Pager[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// State distinguishes loading, empty and error states from a populated list.
func (p *Pager[T]) State() LoadState {
	p.mu.Lock()
	active, loading, err, key := p.active, p.loading, p.err, p.key
	p.mu.Unlock()
	if !active {
		return LoadIdle
	}
	ps, ok := Lookup[PageSet[T]](p.store, key)
	if !ok || len(ps.Pages) == 0 {
		switch {
		case loading:
			return LoadLoading
		case err != nil:
			return LoadError
		default:
			return LoadIdle
		}
	}
	if len(ps.Flatten(p.idOf)) == 0 {
		return LoadEmpty
	}
	return LoadReady
}

// LoadNext requests the page after the last fetched one. It does nothing and
// returns false when a request is already in flight or the server reported
// no further pages. A response that lands after Reset returns
// ErrStaleResponse and is not stored.
func (p *Pager[T]) LoadNext(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if !p.active || p.loading {
		p.mu.Unlock()
		return false, nil
	}
	ps, _ := Lookup[PageSet[T]](p.store, p.key)
	if !ps.HasNext() {
		p.mu.Unlock()
		return false, nil
	}
	next := ps.Info().Page + 1
	gen, org, filter, key := p.gen, p.org, p.filter, p.key
	storeGen := p.store.Generation(key)
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.loading = true
	p.mu.Unlock()

	page, err := p.fetch(ctx, org, filter, next, p.cfg.pageSize)
	cancel()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		StaleResponsesTotal.WithLabelValues("pager").Inc()
		PageFetchesTotal.WithLabelValues(p.entity, "stale").Inc()
		return false, ErrStaleResponse
	}
	p.loading = false
	p.cancel = nil
	if err != nil {
		p.err = err
		p.mu.Unlock()
		PageFetchesTotal.WithLabelValues(p.entity, "error").Inc()
		p.cfg.log.Warn("page fetch failed", zap.String("entity", p.entity), zap.Int("page", next), zap.Error(err))
		return false, err
	}
	p.err = nil
	p.mu.Unlock()

	page = normalizePage(page, next)
	err = p.store.Commit(key, storeGen, func(old any) any {
		cur, _ := old.(PageSet[T])
		return cur.withPage(*page)
	})
	if err != nil {
		PageFetchesTotal.WithLabelValues(p.entity, "stale").Inc()
		return false, err
	}
	PageFetchesTotal.WithLabelValues(p.entity, "ok").Inc()
	return true, nil
}

// OnScroll reports a scroll of the list. userInitiated marks a scroll made
// by the user, which turns auto-scroll off. When the viewport is within the
// threshold of the bottom the next page is requested.
func (p *Pager[T]) OnScroll(ctx context.Context, v Viewport, userInitiated bool) (bool, error) {
	if userInitiated {
		p.mu.Lock()
		p.userScrolled = true
		p.mu.Unlock()
	}
	if v.distanceToBottom() > p.cfg.threshold {
		return false, nil
	}
	return p.LoadNext(ctx)
}

// Seek loads pages until an item with the given id is present or the server
// has no more pages.
func (p *Pager[T]) Seek(ctx context.Context, id string) (T, bool, error) {
	for {
		for _, it := range p.Items() {
			if p.idOf(it) == id {
				return it, true, nil
			}
		}
		loaded, err := p.LoadNext(ctx)
		if err != nil {
			var zero T
			return zero, false, err
		}
		if !loaded {
			var zero T
			return zero, false, nil
		}
	}
}

// Select marks id as the selected item. A selection coming from a fresh
// navigation (a deep link) re-enables auto-scroll.
func (p *Pager[T]) Select(id string, fromNavigation bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = id
	if fromNavigation {
		p.userScrolled = false
	}
}

// AutoScrollTarget returns the id the view should scroll into sight, if the
// user has not scrolled manually and the selected item is loaded.
func (p *Pager[T]) AutoScrollTarget() (string, bool) {
	p.mu.Lock()
	selected, scrolled := p.selected, p.userScrolled
	p.mu.Unlock()
	if selected == "" || scrolled {
		return "", false
	}
	for _, it := range p.Items() {
		if p.idOf(it) == selected {
			return selected, true
		}
	}
	return "", false
}

// pageRefresh holds the first pages of a list as reloaded by a refetch.
// Pages appended by LoadNext while the refetch ran are kept behind them.
type pageRefresh[T any] struct {
	set PageSet[T]
}

func (r pageRefresh[T]) Merge(current any) any {
	cur, _ := current.(PageSet[T])
	n := len(r.set.Pages)
	if len(cur.Pages) <= n || !r.set.HasNext() {
		return r.set
	}
	pages := make([]Page[T], 0, len(cur.Pages))
	pages = append(pages, r.set.Pages...)
	pages = append(pages, cur.Pages[n:]...)
	return PageSet[T]{Pages: pages}
}

// refetcher reloads every page that was loaded when it runs. It backs soft
// invalidation of the list key.
func (p *Pager[T]) refetcher(org string, f Filter, k Key) Fetcher {
	return func(ctx context.Context) (any, error) {
		ps, _ := Lookup[PageSet[T]](p.store, k)
		n := len(ps.Pages)
		if n == 0 {
			n = 1
		}
		out := PageSet[T]{Pages: make([]Page[T], 0, n)}
		for i := 1; i <= n; i++ {
			page, err := p.fetch(ctx, org, f, i, p.cfg.pageSize)
			if err != nil {
				return nil, err
			}
			page = normalizePage(page, i)
			out.Pages = append(out.Pages, *page)
			if !page.Info.HasNext() {
				break
			}
		}
		return pageRefresh[T]{set: out}, nil
	}
}

func normalizePage[T any](page *Page[T], requested int) *Page[T] {
	if page == nil {
		page = &Page[T]{}
	}
	if page.Info.Page == 0 {
		page.Info.Page = requested
	}
	return page
}

// IsStale reports whether err marks a discarded late response.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleResponse)
}
