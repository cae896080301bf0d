package dashsync

import (
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Action is what happened to a message.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event is an inbound change for one conversation.
type Event interface {
	ConversationID() string
	Name() string
}

// MessageEvent reports a created, updated or deleted message. UnreadCount,
// when the server sends one, is the authoritative counter after the change.
type MessageEvent struct {
	Action      Action
	ChatID      string
	Message     Message
	UnreadCount *int
}

func (e MessageEvent) ConversationID() string { return e.ChatID }
func (e MessageEvent) Name() string           { return "message." + string(e.Action) }

// ReadEvent sets the unread counter of a conversation, to zero when
// UnreadCount is nil.
type ReadEvent struct {
	ChatID      string
	UnreadCount *int
}

func (e ReadEvent) ConversationID() string { return e.ChatID }
func (e ReadEvent) Name() string           { return "read" }

func (e ReadEvent) count() int {
	if e.UnreadCount == nil {
		return 0
	}
	return *e.UnreadCount
}

// ChatUpdatedEvent carries server-side changes to a conversation's fields.
// Nil fields are unchanged.
type ChatUpdatedEvent struct {
	ChatID string
	Patch  ChatPatch
}

func (e ChatUpdatedEvent) ConversationID() string { return e.ChatID }
func (e ChatUpdatedEvent) Name() string           { return "chat.updated" }

type ChatPatch struct {
	Status      *string    `json:"status,omitempty"`
	Handover    *bool      `json:"handover,omitempty"`
	UnreadCount *int       `json:"unread_count,omitempty"`
	LeadID      *string    `json:"lead_id,omitempty"`
	Tags        *[]Tag     `json:"tags,omitempty"`
	Summary     *Analysis  `json:"summary,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = orNop(l) }
}

// WithSoftInvalidate turns the background refetch after each patch on or
// off. It is on by default.
func WithSoftInvalidate(on bool) ReconcilerOption {
	return func(r *Reconciler) { r.invalidate = on }
}

// Reconciler applies push events for one organisation to the cached chat
// lists and chat details.
//
// Each event is applied as one Store.Batch, so the list entry and the
// detail entry of a conversation change together. Messages are matched by
// id, which makes every event idempotent. Events for conversations that are
// not cached are dropped. Every patched key is then soft-invalidated so
// server-computed fields converge.
type Reconciler struct {
	store      *Store
	org        string
	log        *zap.Logger
	invalidate bool
}

func NewReconciler(store *Store, org string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:      store,
		org:        org,
		log:        zap.NewNop(),
		invalidate: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles ev into the store and returns the keys it patched.
func (r *Reconciler) Apply(ev Event) []Key {
	var keys []Key
	switch e := ev.(type) {
	case MessageEvent:
		keys = r.applyMessage(e)
	case ReadEvent:
		keys = r.applyRead(e)
	case ChatUpdatedEvent:
		keys = r.applyChatUpdated(e)
	default:
		PushEventsTotal.WithLabelValues(ev.Name(), "ignored").Inc()
		return nil
	}

	if len(keys) == 0 {
		PushEventsTotal.WithLabelValues(ev.Name(), "dropped").Inc()
		r.log.Debug("event dropped, nothing to patch",
			zap.String("event", ev.Name()),
			zap.String("chat_id", ev.ConversationID()))
		return nil
	}
	PushEventsTotal.WithLabelValues(ev.Name(), "patched").Inc()
	r.log.Debug("event reconciled",
		zap.String("event", ev.Name()),
		zap.String("chat_id", ev.ConversationID()),
		zap.Int("keys", len(keys)))

	if r.invalidate {
		for _, k := range keys {
			r.store.Invalidate(k)
		}
	}
	return keys
}

func (r *Reconciler) applyMessage(e MessageEvent) []Key {
	if e.Message.ChatID == "" {
		e.Message.ChatID = e.ChatID
	}
	return r.store.Batch(func(tx *Tx) {
		detail := ChatKey(r.org, e.ChatID)
		switch e.Action {
		case ActionCreated:
			known := historyUnknown
			UpdateTx(tx, detail, func(d ChatDetail) (ChatDetail, bool) {
				known = historyOf(d, e.Message.ID)
				return addMessage(d, e.Message, e.UnreadCount)
			})
			r.patchLists(tx, e.ChatID, func(c Chat) (Chat, bool) {
				return bumpChat(c, e.Message, e.UnreadCount, known)
			})
		case ActionUpdated:
			UpdateTx(tx, detail, func(d ChatDetail) (ChatDetail, bool) {
				return replaceMessage(d, e.Message)
			})
			r.patchLists(tx, e.ChatID, func(c Chat) (Chat, bool) {
				return refreshPreview(c, e.Message)
			})
		case ActionDeleted:
			UpdateTx(tx, detail, func(d ChatDetail) (ChatDetail, bool) {
				return removeMessage(d, e.Message.ID)
			})
		}
	})
}

func (r *Reconciler) applyRead(e ReadEvent) []Key {
	n := e.count()
	set := func(c Chat) (Chat, bool) {
		if c.UnreadCount == n {
			return c, false
		}
		c.UnreadCount = n
		return c, true
	}
	return r.store.Batch(func(tx *Tx) {
		UpdateTx(tx, ChatKey(r.org, e.ChatID), func(d ChatDetail) (ChatDetail, bool) {
			c, changed := set(d.Chat)
			d.Chat = c
			return d, changed
		})
		r.patchLists(tx, e.ChatID, set)
	})
}

func (r *Reconciler) applyChatUpdated(e ChatUpdatedEvent) []Key {
	return r.store.Batch(func(tx *Tx) {
		UpdateTx(tx, ChatKey(r.org, e.ChatID), func(d ChatDetail) (ChatDetail, bool) {
			c, changed := e.Patch.apply(d.Chat)
			d.Chat = c
			return d, changed
		})
		r.patchLists(tx, e.ChatID, e.Patch.apply)
	})
}

// patchLists applies fn to the chat with the given id in every cached chat
// list of the organisation.
func (r *Reconciler) patchLists(tx *Tx, chatID string, fn func(Chat) (Chat, bool)) {
	match := func(c Chat) bool { return c.ID == chatID }
	for _, k := range tx.Keys(MatchEntity(EntityChats, r.org)) {
		UpdateTx(tx, k, func(ps PageSet[Chat]) (PageSet[Chat], bool) {
			return mapItems(ps, match, fn)
		})
	}
}

// ── Pure patches ─────────────────────────────────────────

const previewLength = 120

// history is what the cached message list of a chat says about one
// message.
type history int

const (
	historyUnknown history = iota // detail not cached
	historyNew
	historySeen
)

func historyOf(d ChatDetail, msgID string) history {
	if d.indexOf(msgID) >= 0 {
		return historySeen
	}
	return historyNew
}

// bumpChat records msg as the newest message of c. A message already seen,
// or older than the last one recorded, leaves the preview and the counter
// alone. Only customer messages raise the unread counter; a server count
// overrides it.
func bumpChat(c Chat, msg Message, unread *int, h history) (Chat, bool) {
	changed := false
	if unread != nil && c.UnreadCount != *unread {
		c.UnreadCount = *unread
		changed = true
	}
	if h == historySeen || !newerThanLast(c, msg, h) {
		return c, changed
	}
	if unread == nil && msg.Role == RoleUser {
		c.UnreadCount++
	}
	c.LastMessageID = msg.ID
	c.LastMessage = preview(msg)
	if !msg.CreatedAt.IsZero() {
		c.LastMessageAt = msg.CreatedAt
		if msg.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = msg.CreatedAt
		}
	}
	return c, true
}

// newerThanLast reports whether msg follows the last message recorded on c.
// Without a timestamp only the cached history can tell a new message from a
// replay; when there is none the message is left to the soft invalidate.
func newerThanLast(c Chat, msg Message, h history) bool {
	switch {
	case msg.ID == c.LastMessageID:
		return false
	case msg.CreatedAt.IsZero():
		return h == historyNew
	case c.LastMessageAt.IsZero():
		return true
	default:
		return msg.CreatedAt.After(c.LastMessageAt)
	}
}

func refreshPreview(c Chat, msg Message) (Chat, bool) {
	if c.LastMessageID != msg.ID {
		return c, false
	}
	p := preview(msg)
	if p == c.LastMessage {
		return c, false
	}
	c.LastMessage = p
	return c, true
}

func addMessage(d ChatDetail, msg Message, unread *int) (ChatDetail, bool) {
	h := historyOf(d, msg.ID)
	chat, chatChanged := bumpChat(d.Chat, msg, unread, h)
	d.Chat = chat
	if h == historySeen {
		return d, chatChanged
	}
	msgs := make([]Message, len(d.Messages), len(d.Messages)+1)
	copy(msgs, d.Messages)
	d.Messages = append(msgs, msg)
	return d, true
}

// replaceMessage swaps in the updated message; unknown ids are ignored.
func replaceMessage(d ChatDetail, msg Message) (ChatDetail, bool) {
	i := d.indexOf(msg.ID)
	if i < 0 {
		return d, false
	}
	msgs := make([]Message, len(d.Messages))
	copy(msgs, d.Messages)
	msgs[i] = msg
	d.Messages = msgs
	if d.Chat.LastMessageID == msg.ID {
		d.Chat, _ = refreshPreview(d.Chat, msg)
	}
	return d, true
}

func removeMessage(d ChatDetail, id string) (ChatDetail, bool) {
	i := d.indexOf(id)
	if i < 0 {
		return d, false
	}
	msgs := make([]Message, 0, len(d.Messages)-1)
	msgs = append(msgs, d.Messages[:i]...)
	msgs = append(msgs, d.Messages[i+1:]...)
	d.Messages = msgs
	return d, true
}

func (p ChatPatch) apply(c Chat) (Chat, bool) {
	changed := false
	if p.Status != nil && *p.Status != c.Status {
		c.Status = *p.Status
		changed = true
	}
	if p.Handover != nil && *p.Handover != c.Handover {
		c.Handover = *p.Handover
		changed = true
	}
	if p.UnreadCount != nil && *p.UnreadCount != c.UnreadCount {
		c.UnreadCount = *p.UnreadCount
		changed = true
	}
	if p.LeadID != nil && *p.LeadID != c.LeadID {
		c.LeadID = *p.LeadID
		changed = true
	}
	if p.Tags != nil {
		c.Tags = append([]Tag(nil), (*p.Tags)...)
		changed = true
	}
	if p.Summary != nil {
		c.Summary = *p.Summary
		changed = true
	}
	if p.UpdatedAt != nil && p.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = *p.UpdatedAt
		changed = true
	}
	return c, changed
}

func preview(msg Message) string {
	s := msg.Content
	if s == "" && len(msg.Attachments) > 0 {
		s = "[" + msg.Attachments[0].Name + "]"
	}
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	r := []rune(s)
	return string(r[:previewLength]) + "…"
}
