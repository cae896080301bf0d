package dashsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"event":        "reply.sent",
		"organisation": "acme",
		"chat_id":      "chat-001",
		"message_id":   "msg-001",
		"content":      "Hello from test",
		"sent_at":      "2026-01-01T00:00:00Z",
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayloadString()

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyWebhookSignature(body, makeTestSignature(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		assert.True(t, VerifyWebhookSignature(body, sig, testSecret))
	})

	t.Run("matches SignWebhookPayload", func(t *testing.T) {
		assert.Equal(t, makeTestSignature(body, testSecret), SignWebhookPayload([]byte(body), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(body, makeTestSignature(body, "other"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, VerifyWebhookSignature(body+" ", sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, VerifyWebhookSignature("", sig, testSecret))
		assert.False(t, VerifyWebhookSignature(body, "", testSecret))
		assert.False(t, VerifyWebhookSignature(body, sig, ""))
	})

	t.Run("sha256= prefix only", func(t *testing.T) {
		assert.False(t, VerifyWebhookSignature(body, "sha256=", testSecret))
	})
}

// ============================================================================
// ParseReplyNotification
// ============================================================================

func TestParseReplyNotification(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		n, err := ParseReplyNotification(makeTestPayloadString())
		require.NoError(t, err)
		assert.Equal(t, "reply.sent", n.Event)
		assert.Equal(t, "acme", n.Organisation)
		assert.Equal(t, "chat-001", n.ChatID)
		assert.Equal(t, "msg-001", n.MessageID)
		assert.Equal(t, "Hello from test", n.Content)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseReplyNotification("{not json")
		assert.Error(t, err)
	})

	t.Run("missing event", func(t *testing.T) {
		p := makeTestPayload()
		delete(p, "event")
		b, _ := json.Marshal(p)
		_, err := ParseReplyNotification(string(b))
		assert.ErrorContains(t, err, "event")
	})

	t.Run("missing message ID", func(t *testing.T) {
		p := makeTestPayload()
		delete(p, "message_id")
		b, _ := json.Marshal(p)
		_, err := ParseReplyNotification(string(b))
		assert.ErrorContains(t, err, "message_id")
	})
}

// ============================================================================
// WebhookNotifier
// ============================================================================

func TestWebhookNotifierDeliver(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, testSecret)
	err := n.Deliver(context.Background(), ReplyNotification{
		Organisation: "acme",
		ChatID:       "chat-1",
		MessageID:    "msg-1",
		Content:      "On it",
		SentAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.True(t, VerifyWebhookSignature(string(gotBody), gotSig, testSecret))
	parsed, err := ParseReplyNotification(string(gotBody))
	require.NoError(t, err)
	assert.Equal(t, eventReplySent, parsed.Event)
	assert.Equal(t, "chat-1", parsed.ChatID)
}

func TestWebhookNotifierDeliverErrors(t *testing.T) {
	t.Run("non-2xx response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		defer srv.Close()

		err := NewWebhookNotifier(srv.URL, "").Deliver(context.Background(), ReplyNotification{ChatID: "c", MessageID: "m"})
		var ae *APIError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, http.StatusBadGateway, ae.Status)
		assert.Equal(t, "nope", ae.Message)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewWebhookNotifier(url, "").Deliver(context.Background(), ReplyNotification{ChatID: "c", MessageID: "m"})
		var te *TransportError
		assert.ErrorAs(t, err, &te)
		assert.True(t, IsRetryable(err))
	})
}

func TestWebhookNotifierNotifyRunsInBackground(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, testSecret)
	done := make(chan struct{})
	go func() {
		n.Notify(ReplyNotification{ChatID: "c", MessageID: "m"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on the delivery")
	}
	close(release)
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// ============================================================================
// WebhookHandler
// ============================================================================

func TestNewWebhookHandler(t *testing.T) {
	_, err := NewWebhookHandler("", func(*ReplyNotification) error { return nil })
	assert.Error(t, err)

	h, err := NewWebhookHandler(testSecret, func(*ReplyNotification) error { return nil })
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestWebhookHandlerHandle(t *testing.T) {
	body := makeTestPayloadString()
	sig := makeTestSignature(body, testSecret)

	t.Run("invalid signature", func(t *testing.T) {
		h, _ := NewWebhookHandler(testSecret, func(*ReplyNotification) error { return nil })
		status, _ := h.Handle(body, "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("malformed payload", func(t *testing.T) {
		bad := `{"event":""}`
		h, _ := NewWebhookHandler(testSecret, func(*ReplyNotification) error { return nil })
		status, _ := h.Handle(bad, makeTestSignature(bad, testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("handler error", func(t *testing.T) {
		h, _ := NewWebhookHandler(testSecret, func(*ReplyNotification) error { return errors.New("boom") })
		status, resp := h.Handle(body, sig)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, map[string]string{"error": "boom"}, resp)
	})

	t.Run("success", func(t *testing.T) {
		var got *ReplyNotification
		h, _ := NewWebhookHandler(testSecret, func(n *ReplyNotification) error {
			got = n
			return nil
		})
		status, _ := h.Handle(body, sig)
		assert.Equal(t, http.StatusOK, status)
		require.NotNil(t, got)
		assert.Equal(t, "chat-001", got.ChatID)
	})
}

func TestWebhookHandlerHTTP(t *testing.T) {
	h, _ := NewWebhookHandler(testSecret, func(*ReplyNotification) error { return nil })

	t.Run("GET returns 405", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, "sha256=bad")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid returns 200", func(t *testing.T) {
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})
}
