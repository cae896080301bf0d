package dashsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval bounds how stale a list may get when no push events
// arrive.
const DefaultPollInterval = 10 * time.Second

// Poller periodically soft-invalidates the list keys of an organisation.
// Cached values stay readable while the refetches run.
type Poller struct {
	store    *Store
	org      string
	interval time.Duration
	entities []string
	log      *zap.Logger
}

// NewPoller creates a poller for the chat and call lists of org. A zero
// interval uses DefaultPollInterval.
func NewPoller(store *Store, org string, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		store:    store,
		org:      org,
		interval: interval,
		entities: []string{EntityChats, EntityCalls},
		log:      orNop(log),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick invalidates every cached list key of the organisation once.
func (p *Poller) Tick() int {
	n := 0
	for _, entity := range p.entities {
		n += p.store.InvalidateMatching(MatchEntity(entity, p.org))
	}
	if n > 0 {
		p.log.Debug("poll", zap.String("org", p.org), zap.Int("keys", n))
	}
	return n
}
