package dashsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedChats caches one list page with chats c1 and c2 and the detail of c1.
func seedChats(t *testing.T) (*Store, Key) {
	t.Helper()
	s := NewStore()
	t.Cleanup(s.Close)

	list := ChatListKey("acme", Filter{})
	s.Set(list, PageSet[Chat]{Pages: []Page[Chat]{{
		Items: []Chat{
			{ID: "c1", Status: "open", LastMessageID: "m1", LastMessage: "hi", LastMessageAt: t0},
			{ID: "c2", Status: "open", LastMessageID: "m9", LastMessage: "yo", LastMessageAt: t0},
		},
		Info: PageInfo{Page: 1, TotalPages: 1, Total: 2},
	}}})
	s.Set(ChatKey("acme", "c1"), ChatDetail{
		Chat:     Chat{ID: "c1", Status: "open", LastMessageID: "m1", LastMessage: "hi", LastMessageAt: t0},
		Messages: []Message{{ID: "m1", ChatID: "c1", Role: RoleUser, Content: "hi", CreatedAt: t0}},
	})
	return s, list
}

func listChat(t *testing.T, s *Store, k Key, id string) Chat {
	t.Helper()
	ps, ok := Lookup[PageSet[Chat]](s, k)
	require.True(t, ok)
	for _, c := range ps.Flatten(ChatID) {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("chat %s not in list", id)
	return Chat{}
}

func detail(t *testing.T, s *Store, id string) ChatDetail {
	t.Helper()
	d, ok := Lookup[ChatDetail](s, ChatKey("acme", id))
	require.True(t, ok)
	return d
}

func newMessage(id, chatID string, role Role, at time.Time) MessageEvent {
	return MessageEvent{
		Action:  ActionCreated,
		ChatID:  chatID,
		Message: Message{ID: id, Role: role, Content: "message " + id, CreatedAt: at},
	}
}

func TestReconcilerMessageCreated(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	keys := r.Apply(newMessage("m2", "c1", RoleUser, t0.Add(time.Minute)))
	assert.ElementsMatch(t, []Key{list, ChatKey("acme", "c1")}, keys)

	d := detail(t, s, "c1")
	require.Len(t, d.Messages, 2)
	assert.Equal(t, "m2", d.Messages[1].ID)
	assert.Equal(t, "c1", d.Messages[1].ChatID)
	assert.Equal(t, 1, d.Chat.UnreadCount)

	c := listChat(t, s, list, "c1")
	assert.Equal(t, "m2", c.LastMessageID)
	assert.Equal(t, "message m2", c.LastMessage)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, t0.Add(time.Minute), c.LastMessageAt)

	other := listChat(t, s, list, "c2")
	assert.Equal(t, 0, other.UnreadCount)
	assert.Equal(t, "yo", other.LastMessage)
}

func TestReconcilerReplayIsIdempotent(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))
	ev := newMessage("m2", "c1", RoleUser, t0.Add(time.Minute))

	require.NotEmpty(t, r.Apply(ev))
	assert.Empty(t, r.Apply(ev), "a replayed event changes nothing")

	assert.Len(t, detail(t, s, "c1").Messages, 2)
	assert.Equal(t, 1, listChat(t, s, list, "c1").UnreadCount)
}

func TestReconcilerReplayWithoutTimestamps(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	a := newMessage("a", "c1", RoleUser, time.Time{})
	b := newMessage("b", "c1", RoleUser, time.Time{})
	r.Apply(a)
	r.Apply(b)
	require.Equal(t, 2, listChat(t, s, list, "c1").UnreadCount)

	assert.Empty(t, r.Apply(a), "replaying an earlier message changes nothing")

	c := listChat(t, s, list, "c1")
	assert.Equal(t, 2, c.UnreadCount)
	assert.Equal(t, "b", c.LastMessageID)
	assert.Equal(t, "message b", c.LastMessage)
	d := detail(t, s, "c1")
	assert.Equal(t, 2, d.Chat.UnreadCount)
	assert.Equal(t, "b", d.Chat.LastMessageID)
	assert.Len(t, d.Messages, 3)
}

func TestReconcilerUntimedMessageWithoutDetail(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	ev := newMessage("m10", "c2", RoleUser, time.Time{})
	assert.Empty(t, r.Apply(ev), "no history to tell a replay apart; left to the refetch")
	assert.Empty(t, r.Apply(ev))

	c := listChat(t, s, list, "c2")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, "m9", c.LastMessageID)
}

func TestReconcilerCreatedThenDeleted(t *testing.T) {
	s, _ := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	r.Apply(newMessage("m2", "c1", RoleAssistant, t0.Add(time.Minute)))
	keys := r.Apply(MessageEvent{Action: ActionDeleted, ChatID: "c1", Message: Message{ID: "m2"}})
	assert.Equal(t, []Key{ChatKey("acme", "c1")}, keys)

	d := detail(t, s, "c1")
	require.Len(t, d.Messages, 1)
	assert.Equal(t, "m1", d.Messages[0].ID)

	assert.Empty(t, r.Apply(MessageEvent{Action: ActionDeleted, ChatID: "c1", Message: Message{ID: "m2"}}))
}

func TestReconcilerMessageUpdated(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	keys := r.Apply(MessageEvent{
		Action:  ActionUpdated,
		ChatID:  "c1",
		Message: Message{ID: "m1", Role: RoleUser, Content: "hi, edited", CreatedAt: t0},
	})
	assert.Len(t, keys, 2)
	assert.Equal(t, "hi, edited", detail(t, s, "c1").Messages[0].Content)
	assert.Equal(t, "hi, edited", listChat(t, s, list, "c1").LastMessage)

	assert.Empty(t, r.Apply(MessageEvent{Action: ActionUpdated, ChatID: "c1", Message: Message{ID: "unknown", Content: "x"}}))
}

func TestReconcilerReadTwice(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))
	r.Apply(newMessage("m2", "c1", RoleUser, t0.Add(time.Minute)))
	r.Apply(newMessage("m3", "c1", RoleUser, t0.Add(2*time.Minute)))
	require.Equal(t, 2, listChat(t, s, list, "c1").UnreadCount)

	assert.Len(t, r.Apply(ReadEvent{ChatID: "c1"}), 2)
	assert.Empty(t, r.Apply(ReadEvent{ChatID: "c1"}))

	assert.Equal(t, 0, listChat(t, s, list, "c1").UnreadCount)
	assert.Equal(t, 0, detail(t, s, "c1").Chat.UnreadCount)
}

func TestReconcilerEventsForDifferentChats(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	r.Apply(newMessage("m2", "c1", RoleUser, t0.Add(time.Minute)))
	r.Apply(newMessage("m10", "c2", RoleUser, t0.Add(time.Minute)))

	c1, c2 := listChat(t, s, list, "c1"), listChat(t, s, list, "c2")
	assert.Equal(t, "m2", c1.LastMessageID)
	assert.Equal(t, "m10", c2.LastMessageID)
	assert.Equal(t, 1, c1.UnreadCount)
	assert.Equal(t, 1, c2.UnreadCount)
}

func TestReconcilerDropsUncachedChats(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))
	before, _ := Lookup[PageSet[Chat]](s, list)

	assert.Nil(t, r.Apply(newMessage("mx", "c404", RoleUser, t0)))

	after, _ := Lookup[PageSet[Chat]](s, list)
	assert.Equal(t, before, after)
	_, ok := s.Get(ChatKey("acme", "c404"))
	assert.False(t, ok)
}

func TestReconcilerIgnoresOtherOrganisations(t *testing.T) {
	s, _ := seedChats(t)
	r := NewReconciler(s, "globex", WithSoftInvalidate(false))
	assert.Nil(t, r.Apply(newMessage("m2", "c1", RoleUser, t0.Add(time.Minute))))
	assert.Len(t, detail(t, s, "c1").Messages, 1)
}

func TestReconcilerUnreadRules(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))

	r.Apply(newMessage("m2", "c1", RoleAssistant, t0.Add(time.Minute)))
	assert.Equal(t, 0, listChat(t, s, list, "c1").UnreadCount, "assistant replies are not unread")

	ev := newMessage("m3", "c1", RoleUser, t0.Add(2*time.Minute))
	ev.UnreadCount = intp(7)
	r.Apply(ev)
	assert.Equal(t, 7, listChat(t, s, list, "c1").UnreadCount, "server count wins")

	old := newMessage("m0", "c1", RoleUser, t0.Add(-time.Hour))
	r.Apply(old)
	c := listChat(t, s, list, "c1")
	assert.Equal(t, "m3", c.LastMessageID, "an older message does not become the preview")
	assert.Equal(t, 7, c.UnreadCount)
	assert.Len(t, detail(t, s, "c1").Messages, 4, "but it is still added to the history")
}

func TestReconcilerChatUpdated(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))
	handover := true

	keys := r.Apply(ChatUpdatedEvent{ChatID: "c2", Patch: ChatPatch{Status: strp("pending"), Handover: &handover}})
	assert.Equal(t, []Key{list}, keys)

	c := listChat(t, s, list, "c2")
	assert.Equal(t, "pending", c.Status)
	assert.True(t, c.Handover)

	assert.Empty(t, r.Apply(ChatUpdatedEvent{ChatID: "c2", Patch: ChatPatch{Status: strp("pending")}}))
}

func TestReconcilerSoftInvalidates(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme")

	r.Apply(newMessage("m2", "c1", RoleUser, t0.Add(time.Minute)))

	e, _ := s.Get(list)
	assert.True(t, e.Stale)
	c := listChat(t, s, list, "c1")
	assert.Equal(t, "m2", c.LastMessageID, "patched value stays readable while stale")
}

func TestReconcilerDoesNotMutateSnapshots(t *testing.T) {
	s, list := seedChats(t)
	r := NewReconciler(s, "acme", WithSoftInvalidate(false))
	snapshot, _ := Lookup[PageSet[Chat]](s, list)
	detailBefore := detail(t, s, "c1")

	r.Apply(newMessage("m2", "c1", RoleUser, t0.Add(time.Minute)))

	assert.Equal(t, "m1", snapshot.Pages[0].Items[0].LastMessageID)
	assert.Len(t, detailBefore.Messages, 1)
}

func TestPreviewTruncates(t *testing.T) {
	long := make([]rune, 200)
	for i := range long {
		long[i] = 'é'
	}
	p := preview(Message{Content: string(long)})
	assert.Equal(t, previewLength+1, len([]rune(p)))

	assert.Equal(t, "[photo.jpg]", preview(Message{Attachments: []Attachment{{Name: "photo.jpg"}}}))
}
