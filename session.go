package dashsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SessionsOption configures a Sessions registry.
type SessionsOption func(*Sessions)

func WithSessionsLogger(l *zap.Logger) SessionsOption {
	return func(r *Sessions) { r.log = orNop(l) }
}

// WithPushConfig adjusts the push configuration of every session before it
// connects.
func WithPushConfig(fn func(*PushConfig)) SessionsOption {
	return func(r *Sessions) { r.configure = fn }
}

type sessionKey struct {
	org  string
	user string
}

// Sessions hands out one shared Session per organisation and user. The
// first Open connects the push channel; the last Close disconnects it.
type Sessions struct {
	client    *Client
	store     *Store
	log       *zap.Logger
	configure func(*PushConfig)

	mu   sync.Mutex
	open map[sessionKey]*Session
}

func NewSessions(client *Client, store *Store, opts ...SessionsOption) *Sessions {
	r := &Sessions{
		client: client,
		store:  store,
		log:    zap.NewNop(),
		open:   make(map[sessionKey]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns the session for org and user, connecting it if no holder has
// it open yet. Every successful Open must be paired with a Close.
//
// The dial runs outside the registry lock. Concurrent Opens of the same
// scope wait for it and share its outcome.
func (r *Sessions) Open(ctx context.Context, org, user string) (*Session, error) {
	if org == "" {
		return nil, &ValidationError{Fields: map[string]string{"organisation": "organisation is required"}}
	}
	key := sessionKey{org: org, user: user}

	r.mu.Lock()
	if s, ok := r.open[key]; ok {
		s.refs++
		r.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			s.Close()
			return nil, ctx.Err()
		}
		if s.dialErr != nil {
			return nil, fmt.Errorf("open session %s: %w", org, s.dialErr)
		}
		return s, nil
	}
	s := r.newSession(key)
	s.refs = 1
	r.open[key] = s
	r.mu.Unlock()

	err := s.push.Connect(ctx)

	r.mu.Lock()
	if err != nil {
		s.dialErr = err
		if r.open[key] == s {
			delete(r.open, key)
		}
	}
	close(s.ready)
	r.mu.Unlock()

	if err != nil {
		s.detach()
		return nil, fmt.Errorf("open session %s: %w", org, err)
	}
	r.log.Info("session opened", zap.String("org", org), zap.String("user", user))
	return s, nil
}

// Len returns the number of open sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Sessions) release(s *Session) error {
	r.mu.Lock()
	if r.open[s.key] != s {
		r.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.open, s.key)
	r.mu.Unlock()

	s.detach()
	r.log.Info("session closed", zap.String("org", s.key.org), zap.String("user", s.key.user))
	return s.push.Disconnect()
}

func (r *Sessions) newSession(key sessionKey) *Session {
	cfg := PushConfig{
		BaseURL:       r.client.BaseURL(),
		Token:         r.client.Token(),
		Organisation:  key.org,
		UserID:        key.user,
		AutoReconnect: true,
		HTTPClient:    r.client.httpClient,
		Logger:        r.log,
	}
	if r.configure != nil {
		r.configure(&cfg)
	}

	s := &Session{
		registry:   r,
		key:        key,
		ready:      make(chan struct{}),
		org:        r.client.Org(key.org),
		store:      r.store,
		push:       NewPushClient(cfg),
		reconciler: NewReconciler(r.store, key.org, WithReconcilerLogger(r.log)),
		log:        r.log.With(zap.String("org", key.org)),
	}
	s.unsubs = append(s.unsubs, s.push.OnEvent(func(ev Event) {
		s.reconciler.Apply(ev)
	}))
	s.push.OnConnected(s.onConnected)
	return s
}

// ============================================================================
// Session
// ============================================================================

// Session is the live connection of one organisation and user: a push
// channel whose events are reconciled into the shared Store.
type Session struct {
	registry   *Sessions
	key        sessionKey
	refs       int
	ready      chan struct{} // closed once the first dial returns
	dialErr    error
	org        *OrgClient
	store      *Store
	push       *PushClient
	reconciler *Reconciler
	log        *zap.Logger
	connects   atomic.Int32
	unsubs     []func()
}

func (s *Session) Organisation() string { return s.key.org }
func (s *Session) UserID() string       { return s.key.user }
func (s *Session) State() PushState     { return s.push.State() }

// Subscribe registers a handler for raw frames of one event type. Handlers
// run after the store has been reconciled for that frame.
func (s *Session) Subscribe(event string, h PushHandler) (unsubscribe func()) {
	return s.push.On(event, h)
}

// OnEvent registers a handler for every decoded event, called after the
// store has been reconciled.
func (s *Session) OnEvent(h func(Event)) (unsubscribe func()) {
	return s.push.OnEvent(h)
}

// Emit sends a command on the push channel.
func (s *Session) Emit(ctx context.Context, event string, data any) error {
	return s.push.Emit(ctx, event, data)
}

// MarkRead marks a chat as read on the server and zeroes its unread
// counter locally. When the push channel is down it falls back to REST.
func (s *Session) MarkRead(ctx context.Context, chatID string) error {
	err := s.push.MarkChatRead(ctx, chatID)
	if errors.Is(err, ErrNotConnected) {
		err = s.org.Chats.MarkRead(ctx, chatID)
	}
	if err != nil {
		return err
	}
	s.reconciler.Apply(ReadEvent{ChatID: chatID})
	return nil
}

// Close releases this holder's reference.
func (s *Session) Close() error {
	return s.registry.release(s)
}

func (s *Session) detach() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// onConnected refreshes the organisation's cached chats after a reconnect,
// since events sent while offline were missed.
func (s *Session) onConnected() {
	if s.connects.Add(1) == 1 {
		return
	}
	n := s.store.InvalidateMatching(MatchEntity(EntityChats, s.key.org))
	n += s.store.InvalidateMatching(MatchEntity(EntityChat, s.key.org))
	s.log.Info("push channel reconnected, refreshing", zap.Int("keys", n))
}
