package dashsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, ps *pushServer, store *Store, opts ...SessionsOption) *Sessions {
	t.Helper()
	client := NewClient("tok", WithBaseURL(ps.srv.URL))
	opts = append([]SessionsOption{WithPushConfig(func(c *PushConfig) {
		c.ReconnectBaseDelay = 10 * time.Millisecond
		c.ReconnectMaxDelay = 50 * time.Millisecond
	})}, opts...)
	return NewSessions(client, store, opts...)
}

func TestSessionsShareOneConnection(t *testing.T) {
	ps := newPushServer(t, nil)
	store := NewStore()
	defer store.Close()
	reg := newTestSessions(t, ps, store)
	ctx := context.Background()

	a, err := reg.Open(ctx, "acme", "u-1")
	require.NoError(t, err)
	b, err := reg.Open(ctx, "acme", "u-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, ps.connections())
	assert.Equal(t, 1, reg.Len())

	other, err := reg.Open(ctx, "acme", "u-2")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, ps.connections())

	require.NoError(t, a.Close())
	assert.Equal(t, StateConnected, b.State(), "still held by b")
	require.NoError(t, b.Close())
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, b.Close(), "closing twice is harmless")
	require.NoError(t, other.Close())
	assert.Equal(t, 0, reg.Len())
}

func TestSessionsOpenRequiresOrganisation(t *testing.T) {
	reg := NewSessions(NewClient("tok"), NewStore())
	_, err := reg.Open(context.Background(), "", "u-1")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSessionsOpenDialFailure(t *testing.T) {
	reg := NewSessions(NewClient("tok", WithBaseURL("http://127.0.0.1:1")), NewStore())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := reg.Open(ctx, "acme", "u-1")
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestSessionsSlowDialDoesNotBlockOtherScopes(t *testing.T) {
	ps := newPushServer(t, nil)
	gate := make(chan struct{})
	var release sync.Once
	open := func() { release.Do(func() { close(gate) }) }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("organisation") == "slow" {
			select {
			case <-gate:
			case <-r.Context().Done():
			}
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ps.serve(w, r)
	}))
	t.Cleanup(func() {
		open()
		srv.Close()
	})

	store := NewStore()
	defer store.Close()
	reg := NewSessions(NewClient("tok", WithBaseURL(srv.URL)), store)

	slowErr := make(chan error, 1)
	go func() {
		_, err := reg.Open(context.Background(), "slow", "u-1")
		slowErr <- err
	}()
	require.Eventually(t, func() bool { return reg.Len() == 1 }, timeout, tick)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := reg.Open(ctx, "acme", "u-1")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 2, reg.Len())

	open()
	assert.Error(t, <-slowErr)
	assert.Equal(t, 1, reg.Len(), "a failed dial leaves no entry behind")
}

func TestSessionsConcurrentOpenSharesDial(t *testing.T) {
	ps := newPushServer(t, nil)
	store := NewStore()
	defer store.Close()
	reg := newTestSessions(t, ps, store)

	const n = 5
	sessions := make(chan *Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := reg.Open(context.Background(), "acme", "u-1")
			if assert.NoError(t, err) {
				sessions <- s
			}
		}()
	}
	wg.Wait()
	close(sessions)

	var first *Session
	for s := range sessions {
		if first == nil {
			first = s
		}
		assert.Same(t, first, s)
		defer s.Close()
	}
	assert.Equal(t, 1, ps.connections())
}

func TestSessionReconcilesPushEvents(t *testing.T) {
	ps := newPushServer(t, nil)
	store, list := seedChats(t)
	reg := newTestSessions(t, ps, store)

	s, err := reg.Open(context.Background(), "acme", "u-1")
	require.NoError(t, err)
	defer s.Close()
	ps.next(t)

	var seen atomic.Int32
	unsub := s.OnEvent(func(ev Event) {
		// The store is already patched when handlers run.
		if c, ok := chatInList(store, list, "c1"); ok && c.LastMessageID == "m2" {
			seen.Add(1)
		}
	})
	defer unsub()

	ps.send(t, EventNewMessage, map[string]any{
		"chatId":  "c1",
		"message": map[string]any{"id": "m2", "role": "user", "content": "any update?", "created_at": t0.Add(time.Minute)},
	})
	require.Eventually(t, func() bool { return seen.Load() == 1 }, timeout, tick)

	c, _ := chatInList(store, list, "c1")
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "any update?", c.LastMessage)
	assert.Len(t, detail(t, store, "c1").Messages, 2)

	ps.send(t, EventChatMarkedRead, map[string]any{"chatId": "c1"})
	require.Eventually(t, func() bool {
		c, _ := chatInList(store, list, "c1")
		return c.UnreadCount == 0
	}, timeout, tick)
}

func TestSessionMarkReadOverPush(t *testing.T) {
	ps := newPushServer(t, nil)
	store, list := seedChats(t)
	reg := newTestSessions(t, ps, store)
	Update(store, list, func(set PageSet[Chat]) PageSet[Chat] {
		next, _ := mapItems(set, func(c Chat) bool { return c.ID == "c1" }, func(c Chat) (Chat, bool) {
			c.UnreadCount = 3
			return c, true
		})
		return next
	})

	s, err := reg.Open(context.Background(), "acme", "u-1")
	require.NoError(t, err)
	defer s.Close()
	ps.next(t)

	require.NoError(t, s.MarkRead(context.Background(), "c1"))
	env := ps.next(t)
	assert.Equal(t, CommandMarkChatRead, env.Event)
	assert.JSONEq(t, `{"chatId":"c1","organisation":"acme","userId":"u-1"}`, string(env.Data))

	c, _ := chatInList(store, list, "c1")
	assert.Equal(t, 0, c.UnreadCount)
}

func TestSessionMarkReadFallsBackToREST(t *testing.T) {
	var restHits atomic.Int32
	rest := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/organisation/acme/chats/c1/read" {
			restHits.Add(1)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	ps := newPushServer(t, rest)
	store, _ := seedChats(t)
	reg := newTestSessions(t, ps, store, WithPushConfig(func(c *PushConfig) {
		c.AutoReconnect = false
	}))

	s, err := reg.Open(context.Background(), "acme", "u-1")
	require.NoError(t, err)
	defer s.Close()
	ps.next(t)

	ps.dropAll()
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, timeout, tick)

	require.NoError(t, s.MarkRead(context.Background(), "c1"))
	assert.Equal(t, int32(1), restHits.Load())
}

func TestSessionRefreshesAfterReconnect(t *testing.T) {
	ps := newPushServer(t, nil)
	store, list := seedChats(t)
	reg := newTestSessions(t, ps, store)

	s, err := reg.Open(context.Background(), "acme", "u-1")
	require.NoError(t, err)
	defer s.Close()
	ps.next(t)

	time.Sleep(20 * time.Millisecond)
	e, _ := store.Get(list)
	assert.False(t, e.Stale, "the first connect does not refetch")

	ps.dropAll()
	require.Eventually(t, func() bool {
		e, _ := store.Get(list)
		return e.Stale
	}, timeout, tick)

	d, _ := store.Get(ChatKey("acme", "c1"))
	assert.True(t, d.Stale)
}

func chatInList(s *Store, k Key, id string) (Chat, bool) {
	ps, ok := Lookup[PageSet[Chat]](s, k)
	if !ok {
		return Chat{}, false
	}
	for _, c := range ps.Flatten(ChatID) {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}
