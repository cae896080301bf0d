// Package dashsync is the Go client for the support dashboard backend.
//
// It covers the REST API (chats, calls, leads, tags, analytics, usage and
// file uploads), the push channel, and a local read model that keeps list
// and detail views in sync with push events.
//
// Example:
//
//	client := dashsync.NewClient(token, dashsync.WithBaseURL("https://api.example.com"))
//	org := client.Org("acme")
//
//	page, _ := org.Chats.List(ctx, dashsync.ListOptions{Filter: dashsync.Filter{Status: "open"}})
//	org.Chats.SendMessage(ctx, page.Items[0].ID, &dashsync.SendMessageRequest{Content: "Hi!"})
//
//	store := dashsync.NewStore()
//	chats := dashsync.NewPager(store, dashsync.EntityChats, org.ChatPages(), dashsync.ChatID)
//	chats.Reset("acme", dashsync.Filter{})
//	chats.LoadNext(ctx)
package dashsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.agentdesk.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
	limiter    *rate.Limiter
	webhook    *WebhookNotifier
	now        func() time.Time
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = orNop(l) }
}

// WithRateLimit caps outgoing requests at rps per second with the given
// burst. Requests wait for a slot or for their context to end.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithWebhook sends a notification through n after every successful
// SendMessage.
func WithWebhook(n *WebhookNotifier) ClientOption {
	return func(c *Client) { c.webhook = n }
}

// NewClient creates a client that sends token as a bearer credential.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after the auth provider
// refreshed the session.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

// Org returns the sub-clients scoped to one organisation.
func (c *Client) Org(slug string) *OrgClient {
	o := &OrgClient{client: c, slug: slug}
	o.Chats = &ChatsClient{org: o}
	o.Calls = &CallsClient{org: o}
	o.Leads = &LeadsClient{org: o}
	o.Tags = &TagsClient{org: o}
	o.Analytics = &AnalyticsClient{org: o}
	o.Overview = &OverviewClient{org: o}
	o.Usage = &UsageClient{org: o}
	o.Files = &FilesClient{client: c}
	return o
}

// ============================================================================
// Internal request helper
// ============================================================================

type envelope struct {
	Success    *bool           `json:"success"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Data       json.RawMessage `json:"data"`
	Pagination json.RawMessage `json:"pagination"`
}

func (c *Client) authorize(req *http.Request) error {
	token := c.Token()
	if token == "" {
		return nil
	}
	if tokenExpired(token, c.now()) {
		return fmt.Errorf("bearer token expired: %w", ErrUnauthorized)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*envelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, method+" "+path)
}

// send authorises, throttles and executes req, then unwraps the envelope.
func (c *Client) send(req *http.Request, op string) (*envelope, error) {
	if err := c.authorize(req); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}
	requestID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		RecordRequest(req.Method, "error", time.Since(start).Seconds())
		c.log.Warn("request failed", zap.String("op", op), zap.String("request_id", requestID), zap.Error(err))
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	RecordRequest(req.Method, strconv.Itoa(resp.StatusCode), elapsed.Seconds())
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	c.log.Debug("request",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= 400 {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		if decodeErr != nil {
			msg = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

func decodeJSON[T any](data json.RawMessage) (*T, error) {
	var result T
	if len(data) == 0 || string(data) == "null" {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body interface{}, query map[string]string) (*T, error) {
	env, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](env.Data)
}

// decodePage reads a list response. Items are taken from data when it is an
// array, otherwise from data.<field> or data.items; pagination from
// data.pagination or the envelope.
func decodePage[T any](env *envelope, field string) (*Page[T], error) {
	page := &Page[T]{}
	data := bytes.TrimSpace(env.Data)
	pagination := env.Pagination

	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &page.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", field, err)
		}
	} else if len(data) > 0 && string(data) != "null" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", field, err)
		}
		items, ok := obj[field]
		if !ok {
			items = obj["items"]
		}
		if len(items) > 0 {
			if err := json.Unmarshal(items, &page.Items); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", field, err)
			}
		}
		if p, ok := obj["pagination"]; ok {
			pagination = p
		}
	}
	if len(pagination) > 0 && string(pagination) != "null" {
		if err := json.Unmarshal(pagination, &page.Info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pagination: %w", err)
		}
	}
	return page, nil
}

// ============================================================================
// Organisation sub-clients
// ============================================================================

// OrgClient groups the resources of one organisation.
type OrgClient struct {
	client *Client
	slug   string

	Chats     *ChatsClient
	Calls     *CallsClient
	Leads     *LeadsClient
	Tags      *TagsClient
	Analytics *AnalyticsClient
	Overview  *OverviewClient
	Usage     *UsageClient
	Files     *FilesClient
}

func (o *OrgClient) Slug() string { return o.slug }

func (o *OrgClient) path(parts ...string) string {
	p := "/organisation/" + url.PathEscape(o.slug)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ChatPages adapts Chats.List for a Pager. The organisation passed by the
// pager selects the slug, so one adapter serves organisation switches.
func (o *OrgClient) ChatPages() PageFetcher[Chat] {
	return func(ctx context.Context, org string, f Filter, page, limit int) (*Page[Chat], error) {
		return o.client.Org(org).Chats.List(ctx, ListOptions{Filter: f, Page: page, Limit: limit})
	}
}

func (o *OrgClient) CallPages() PageFetcher[Call] {
	return func(ctx context.Context, org string, f Filter, page, limit int) (*Page[Call], error) {
		return o.client.Org(org).Calls.List(ctx, ListOptions{Filter: f, Page: page, Limit: limit})
	}
}

// ChatID and CallID identify list items for a Pager.
func ChatID(c Chat) string { return c.ID }
func CallID(c Call) string { return c.ID }

// ── Chats ────────────────────────────────────────────────

type ChatsClient struct{ org *OrgClient }

func (c *ChatsClient) List(ctx context.Context, opts ListOptions) (*Page[Chat], error) {
	env, err := c.org.client.doRequest(ctx, http.MethodGet, c.org.path("chats"), nil, opts.query())
	if err != nil {
		return nil, err
	}
	return decodePage[Chat](env, "chats")
}

// Get returns a chat with its messages.
func (c *ChatsClient) Get(ctx context.Context, chatID string) (*ChatDetail, error) {
	return do[ChatDetail](ctx, c.org.client, http.MethodGet, c.org.path("chats", chatID), nil, nil)
}

func (c *ChatsClient) Messages(ctx context.Context, chatID string) ([]Message, error) {
	msgs, err := do[[]Message](ctx, c.org.client, http.MethodGet, c.org.path("chats", chatID, "messages"), nil, nil)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// SendMessage posts an operator reply. The request is validated first and
// nothing is sent when it fails. A configured webhook is notified in the
// background; its outcome never affects the result.
func (c *ChatsClient) SendMessage(ctx context.Context, chatID string, req *SendMessageRequest) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	msg, err := do[Message](ctx, c.org.client, http.MethodPost, c.org.path("chats", chatID, "messages"), req, nil)
	if err != nil {
		return nil, err
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	if n := c.org.client.webhook; n != nil {
		n.Notify(ReplyNotification{
			Organisation: c.org.slug,
			ChatID:       chatID,
			MessageID:    msg.ID,
			Content:      req.Content,
			Attachments:  req.Attachments,
			SentAt:       c.org.client.now().UTC(),
		})
	}
	return msg, nil
}

func (c *ChatsClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.org.client.doRequest(ctx, http.MethodPost, c.org.path("chats", chatID, "read"), nil, nil)
	return err
}

// UpdateStatus changes the chat status, e.g. to hand it over to a human.
func (c *ChatsClient) UpdateStatus(ctx context.Context, chatID, status string) (*Chat, error) {
	if strings.TrimSpace(status) == "" {
		return nil, &ValidationError{Fields: map[string]string{"status": "status is required"}}
	}
	return do[Chat](ctx, c.org.client, http.MethodPatch, c.org.path("chats", chatID, "status"),
		map[string]string{"status": status}, nil)
}

func (c *ChatsClient) AddTag(ctx context.Context, chatID, tagID string) error {
	_, err := c.org.client.doRequest(ctx, http.MethodPost, c.org.path("chats", chatID, "tags"),
		map[string]string{"tag_id": tagID}, nil)
	return err
}

func (c *ChatsClient) RemoveTag(ctx context.Context, chatID, tagID string) error {
	_, err := c.org.client.doRequest(ctx, http.MethodDelete, c.org.path("chats", chatID, "tags", tagID), nil, nil)
	return err
}

// ── Calls ────────────────────────────────────────────────

type CallsClient struct{ org *OrgClient }

func (c *CallsClient) List(ctx context.Context, opts ListOptions) (*Page[Call], error) {
	env, err := c.org.client.doRequest(ctx, http.MethodGet, c.org.path("calls"), nil, opts.query())
	if err != nil {
		return nil, err
	}
	return decodePage[Call](env, "calls")
}

// Get returns a call with its transcript and analysis.
func (c *CallsClient) Get(ctx context.Context, callID string) (*CallDetail, error) {
	return do[CallDetail](ctx, c.org.client, http.MethodGet, c.org.path("calls", callID), nil, nil)
}

// ── Leads ────────────────────────────────────────────────

type LeadsClient struct{ org *OrgClient }

func (l *LeadsClient) List(ctx context.Context, opts ListOptions) (*Page[Lead], error) {
	env, err := l.org.client.doRequest(ctx, http.MethodGet, l.org.path("leads"), nil, opts.query())
	if err != nil {
		return nil, err
	}
	return decodePage[Lead](env, "leads")
}

func (l *LeadsClient) Get(ctx context.Context, leadID string) (*Lead, error) {
	return do[Lead](ctx, l.org.client, http.MethodGet, l.org.path("leads", leadID), nil, nil)
}

func (l *LeadsClient) Update(ctx context.Context, leadID string, req *UpdateLeadRequest) (*Lead, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return do[Lead](ctx, l.org.client, http.MethodPatch, l.org.path("leads", leadID), req, nil)
}

func (l *LeadsClient) UpdateStatus(ctx context.Context, leadID string, status LeadStatus) (*Lead, error) {
	return l.Update(ctx, leadID, &UpdateLeadRequest{Status: status})
}

// ── Tags ─────────────────────────────────────────────────

type TagsClient struct{ org *OrgClient }

func (t *TagsClient) List(ctx context.Context) ([]Tag, error) {
	tags, err := do[[]Tag](ctx, t.org.client, http.MethodGet, t.org.path("tags"), nil, nil)
	if err != nil {
		return nil, err
	}
	return *tags, nil
}

func (t *TagsClient) Create(ctx context.Context, req *CreateTagRequest) (*Tag, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return do[Tag](ctx, t.org.client, http.MethodPost, t.org.path("tags"), req, nil)
}

// ── Analytics / overview / usage ─────────────────────────

type AnalyticsClient struct{ org *OrgClient }

func (a *AnalyticsClient) Get(ctx context.Context, r DateRange) (*Analytics, error) {
	return do[Analytics](ctx, a.org.client, http.MethodGet, a.org.path("analytics"), nil, r.query())
}

type OverviewClient struct{ org *OrgClient }

func (o *OverviewClient) Get(ctx context.Context, r DateRange) (*Overview, error) {
	return do[Overview](ctx, o.org.client, http.MethodGet, o.org.path("overview"), nil, r.query())
}

// UsageClient reports credit consumption.
type UsageClient struct{ org *OrgClient }

func (u *UsageClient) Get(ctx context.Context, r DateRange) (*Usage, error) {
	return do[Usage](ctx, u.org.client, http.MethodGet, u.org.path("usage"), nil, r.query())
}
