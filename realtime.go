package dashsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Push channel event names.
const (
	EventNewMessage      = "new-message"
	EventChatUpdated     = "chat-updated"
	EventChatMarkedRead  = "chat-marked-read"
	EventChatReadUpdated = "chat-read-updated"

	CommandJoinOrganisation = "join-organisation"
	CommandMarkChatRead     = "mark-chat-read"
)

// ============================================================================
// Wire types
// ============================================================================

// PushEnvelope is the wire format of every push frame in both directions.
type PushEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type chatRef struct {
	ChatID         string `json:"chatId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	SnakeChatID    string `json:"chat_id,omitempty"`
}

func (r chatRef) id() string {
	switch {
	case r.ChatID != "":
		return r.ChatID
	case r.ConversationID != "":
		return r.ConversationID
	default:
		return r.SnakeChatID
	}
}

type newMessagePayload struct {
	chatRef
	Action      Action  `json:"action,omitempty"`
	Message     Message `json:"message"`
	UnreadCount *int    `json:"unreadCount,omitempty"`
}

type chatUpdatedPayload struct {
	chatRef
	ChatPatch
	Chat *ChatPatch `json:"chat,omitempty"`
}

type readPayload struct {
	chatRef
	UnreadCount *int `json:"unreadCount,omitempty"`
}

// decodeEvent turns a push frame into a typed Event. Frames of other event
// types return nil and no error.
func decodeEvent(env PushEnvelope) (Event, error) {
	switch env.Event {
	case EventNewMessage:
		var p newMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		id := p.id()
		if id == "" {
			id = p.Message.ChatID
		}
		if id == "" || p.Message.ID == "" {
			return nil, fmt.Errorf("decode %s: missing chat or message id", env.Event)
		}
		action := p.Action
		if action == "" {
			action = ActionCreated
		}
		return MessageEvent{Action: action, ChatID: id, Message: p.Message, UnreadCount: p.UnreadCount}, nil

	case EventChatUpdated:
		var p chatUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.id() == "" {
			return nil, fmt.Errorf("decode %s: missing chat id", env.Event)
		}
		patch := p.ChatPatch
		if p.Chat != nil {
			patch = *p.Chat
		}
		return ChatUpdatedEvent{ChatID: p.id(), Patch: patch}, nil

	case EventChatMarkedRead, EventChatReadUpdated:
		var p readPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.id() == "" {
			return nil, fmt.Errorf("decode %s: missing chat id", env.Event)
		}
		return ReadEvent{ChatID: p.id(), UnreadCount: p.UnreadCount}, nil
	}
	return nil, nil
}

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures a PushClient.
type PushConfig struct {
	BaseURL              string
	Token                string
	Organisation         string
	UserID               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	// websocket.Dial rejects clients with a Timeout; DialTimeout bounds the dial.
	if c.HTTPClient == nil || c.HTTPClient.Timeout > 0 {
		hc := http.Client{}
		if c.HTTPClient != nil {
			hc = *c.HTTPClient
			hc.Timeout = 0
		}
		c.HTTPClient = &hc
	}
	c.Logger = orNop(c.Logger)
}

// PushState represents the connection state.
type PushState string

const (
	StateDisconnected PushState = "disconnected"
	StateConnecting   PushState = "connecting"
	StateConnected    PushState = "connected"
	StateReconnecting PushState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// PushHandler receives raw frames of one event type.
type PushHandler func(event string, data json.RawMessage)

// pushDispatcher delivers frames synchronously on the read goroutine, so
// handlers see events in the order the server sent them. Handlers of one
// frame run in registration order. Meta events run on their own goroutines.
type pushDispatcher struct {
	mu             sync.RWMutex
	log            *zap.Logger
	nextID         int
	raw            map[string][]rawHandler
	events         []eventHandler
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

type rawHandler struct {
	id int
	h  PushHandler
}

type eventHandler struct {
	id int
	h  func(Event)
}

func newPushDispatcher(log *zap.Logger) *pushDispatcher {
	return &pushDispatcher{
		log: log,
		raw: make(map[string][]rawHandler),
	}
}

func (d *pushDispatcher) on(event string, h PushHandler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.raw[event] = append(d.raw[event], rawHandler{id: id, h: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		hs := d.raw[event]
		for i := range hs {
			if hs[i].id == id {
				d.raw[event] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (d *pushDispatcher) onEvent(h func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.events = append(d.events, eventHandler{id: id, h: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i := range d.events {
			if d.events[i].id == id {
				d.events = append(d.events[:i:i], d.events[i+1:]...)
				return
			}
		}
	}
}

func (d *pushDispatcher) dispatch(env PushEnvelope) {
	d.mu.RLock()
	raw := d.raw[env.Event]
	typed := d.events
	d.mu.RUnlock()

	ev, err := decodeEvent(env)
	if err != nil {
		PushEventsTotal.WithLabelValues(env.Event, "malformed").Inc()
		d.log.Warn("malformed push event", zap.String("event", env.Event), zap.Error(err))
	}
	if ev != nil {
		for _, e := range typed {
			d.safe(env.Event, func() { e.h(ev) })
		}
	}
	for _, r := range raw {
		d.safe(env.Event, func() { r.h(env.Event, env.Data) })
	}
}

func (d *pushDispatcher) safe(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("push handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *pushDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *pushDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *pushDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that lived longer
// than a minute starts the backoff over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient is the WebSocket push channel of one organisation and user,
// with auto-reconnect and heartbeat. It joins the organisation on every
// (re)connect.
type PushClient struct {
	config     *PushConfig
	log        *zap.Logger
	dispatcher *pushDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            PushState
	intentionalClose bool
	life             context.Context
	cancelLife       context.CancelFunc
	writeMu          sync.Mutex
}

func NewPushClient(config PushConfig) *PushClient {
	cfg := config
	cfg.defaults()
	return &PushClient{
		config:     &cfg,
		log:        cfg.Logger,
		dispatcher: newPushDispatcher(cfg.Logger),
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
	}
}

// On registers a handler for raw frames of one event type and returns a
// function that removes it.
func (pc *PushClient) On(event string, h PushHandler) (unsubscribe func()) {
	return pc.dispatcher.on(event, h)
}

// OnEvent registers a handler for every decoded event. Handlers run on the
// read goroutine in arrival order and must not block.
func (pc *PushClient) OnEvent(h func(Event)) (unsubscribe func()) {
	return pc.dispatcher.onEvent(h)
}

// OnConnected registers a handler for the connected meta-event, fired on
// the first connect and on every reconnect.
func (pc *PushClient) OnConnected(h func()) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onConnected = append(pc.dispatcher.onConnected, h)
	pc.dispatcher.mu.Unlock()
}

func (pc *PushClient) OnDisconnected(h func(code int, reason string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onDisconnected = append(pc.dispatcher.onDisconnected, h)
	pc.dispatcher.mu.Unlock()
}

func (pc *PushClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onReconnecting = append(pc.dispatcher.onReconnecting, h)
	pc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (pc *PushClient) State() PushState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PushClient) wsURL() string {
	base := strings.Replace(pc.config.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("organisation", pc.config.Organisation)
	if pc.config.UserID != "" {
		q.Set("user_id", pc.config.UserID)
	}
	if pc.config.Token != "" {
		q.Set("token", pc.config.Token)
	}
	return strings.TrimRight(base, "/") + "/ws?" + q.Encode()
}

// Connect dials the push channel. ctx bounds the dial only; the connection
// lives until Disconnect.
func (pc *PushClient) Connect(ctx context.Context) error {
	pc.mu.Lock()
	if pc.state == StateConnected || pc.state == StateConnecting {
		pc.mu.Unlock()
		return nil
	}
	pc.state = StateConnecting
	pc.intentionalClose = false
	if pc.life == nil || pc.life.Err() != nil {
		pc.life, pc.cancelLife = context.WithCancel(context.Background())
	}
	life := pc.life
	pc.mu.Unlock()

	if err := pc.dial(ctx, life); err != nil {
		pc.mu.Lock()
		pc.state = StateDisconnected
		pc.mu.Unlock()
		return err
	}
	return nil
}

func (pc *PushClient) dial(ctx, life context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, pc.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, pc.wsURL(), &websocket.DialOptions{HTTPClient: pc.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(pc.config.ReadLimit)

	pc.mu.Lock()
	if pc.intentionalClose {
		pc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrNotConnected
	}
	pc.conn = conn
	pc.state = StateConnected
	pc.mu.Unlock()
	pc.recon.markConnected()
	PushConnectionsActive.Inc()

	connCtx, cancelConn := context.WithCancel(life)
	go pc.readLoop(connCtx, cancelConn, life, conn)
	go pc.heartbeatLoop(connCtx, conn)

	if err := pc.JoinOrganisation(ctx); err != nil {
		pc.log.Warn("join organisation failed", zap.String("org", pc.config.Organisation), zap.Error(err))
	}
	pc.log.Info("push channel connected", zap.String("org", pc.config.Organisation))
	pc.dispatcher.emitConnected()
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (pc *PushClient) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	conn := pc.conn
	pc.conn = nil
	pc.state = StateDisconnected
	cancel := pc.cancelLife
	pc.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			pc.log.Debug("close push channel", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	pc.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	return nil
}

// Emit sends a command frame.
func (pc *PushClient) Emit(ctx context.Context, event string, data any) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(PushEnvelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// JoinOrganisation subscribes the connection to the organisation's events.
func (pc *PushClient) JoinOrganisation(ctx context.Context) error {
	return pc.Emit(ctx, CommandJoinOrganisation, map[string]string{
		"organisation": pc.config.Organisation,
		"userId":       pc.config.UserID,
	})
}

// MarkChatRead tells the server the user has read a chat.
func (pc *PushClient) MarkChatRead(ctx context.Context, chatID string) error {
	return pc.Emit(ctx, CommandMarkChatRead, map[string]string{
		"chatId":       chatID,
		"organisation": pc.config.Organisation,
		"userId":       pc.config.UserID,
	})
}

func (pc *PushClient) readLoop(ctx context.Context, cancel context.CancelFunc, life context.Context, conn *websocket.Conn) {
	defer PushConnectionsActive.Dec()
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			pc.mu.Lock()
			intentional := pc.intentionalClose
			if pc.conn == conn {
				pc.conn = nil
				pc.state = StateDisconnected
			}
			pc.mu.Unlock()
			if intentional {
				return
			}

			pc.log.Warn("push channel lost", zap.String("org", pc.config.Organisation), zap.Error(err))
			pc.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if pc.config.AutoReconnect {
				go pc.reconnectLoop(life)
			}
			return
		}

		var env PushEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			pc.log.Debug("ignoring undecodable frame", zap.Int("bytes", len(data)))
			continue
		}
		pc.dispatcher.dispatch(env)
	}
}

func (pc *PushClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force close; the read loop reconnects.
				pc.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (pc *PushClient) reconnectLoop(life context.Context) {
	for pc.recon.shouldReconnect() {
		delay := pc.recon.nextDelay()
		pc.mu.Lock()
		if pc.intentionalClose {
			pc.mu.Unlock()
			return
		}
		pc.state = StateReconnecting
		pc.mu.Unlock()
		pc.dispatcher.emitReconnecting(pc.recon.attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := pc.dial(life, life)
		if err == nil || errors.Is(err, ErrNotConnected) {
			return
		}
		pc.log.Warn("reconnect failed", zap.Int("attempt", pc.recon.attempt), zap.Error(err))
	}

	pc.mu.Lock()
	if pc.state == StateReconnecting {
		pc.state = StateDisconnected
	}
	pc.mu.Unlock()
	pc.log.Error("giving up on push channel", zap.String("org", pc.config.Organisation))
}
