package dashsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// ReplyNotification tells a third-party messaging channel that an operator
// replied in a chat.
type ReplyNotification struct {
	Event        string       `json:"event"`
	Organisation string       `json:"organisation"`
	ChatID       string       `json:"chat_id"`
	MessageID    string       `json:"message_id"`
	Content      string       `json:"content"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	SentAt       time.Time    `json:"sent_at"`
}

const eventReplySent = "reply.sent"

// ============================================================================
// Signing
// ============================================================================

// SignWebhookPayload returns the signature header value for body.
func SignWebhookPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies an HMAC-SHA256 webhook signature, with or
// without the "sha256=" prefix. Uses constant-time comparison to prevent
// timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseReplyNotification parses and checks a webhook body.
func ParseReplyNotification(body string) (*ReplyNotification, error) {
	var n ReplyNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if n.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if n.ChatID == "" || n.MessageID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (chat_id, message_id)")
	}
	return &n, nil
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

func WithWebhookHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.httpClient = c }
}

func WithWebhookLogger(l *zap.Logger) WebhookOption {
	return func(n *WebhookNotifier) { n.log = orNop(l) }
}

// WithWebhookTimeout bounds each background delivery.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(n *WebhookNotifier) { n.timeout = d }
}

// WebhookNotifier delivers signed reply notifications. Deliveries are
// best-effort: Notify never blocks and failures are only logged and
// counted.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	log        *zap.Logger
	timeout    time.Duration
	wg         sync.WaitGroup
}

func NewWebhookNotifier(url, secret string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: http.DefaultClient,
		log:        zap.NewNop(),
		timeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers n in the background.
func (w *WebhookNotifier) Notify(n ReplyNotification) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.Deliver(ctx, n); err != nil {
			WebhookDeliveriesTotal.WithLabelValues("error").Inc()
			w.log.Warn("webhook delivery failed",
				zap.String("chat_id", n.ChatID),
				zap.String("message_id", n.MessageID),
				zap.Error(err))
			return
		}
		WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	}()
}

// Wait blocks until background deliveries have finished.
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}

// Deliver posts n and waits for the response.
func (w *WebhookNotifier) Deliver(ctx context.Context, n ReplyNotification) error {
	if n.Event == "" {
		n.Event = eventReplySent
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, SignWebhookPayload(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "POST webhook", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	return nil
}

// ============================================================================
// Receiver
// ============================================================================

// WebhookHandler verifies, parses and dispatches reply notifications.
type WebhookHandler struct {
	secret   string
	onNotify func(*ReplyNotification) error
}

func NewWebhookHandler(secret string, onNotify func(*ReplyNotification) error) (*WebhookHandler, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookHandler{secret: secret, onNotify: onNotify}, nil
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (h *WebhookHandler) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	n, err := ParseReplyNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := h.onNotify(n); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (h *WebhookHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(v)
	}
	if r.Method != http.MethodPost {
		writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	writeJSON(h.Handle(string(body), r.Header.Get(SignatureHeader)))
}
