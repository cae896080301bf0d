package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentdesk/dashsync"
	"go.uber.org/zap"
)

// app bundles what every API command needs.
type app struct {
	cfg     *Config
	client  *dashsync.Client
	org     *dashsync.OrgClient
	log     *zap.Logger
	webhook *dashsync.WebhookNotifier
}

// newApp loads the config and builds an authenticated client for the
// selected organisation.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured: %w", dashsync.ErrUnauthorized)
	}
	slug := orgFlag
	if slug == "" {
		slug = cfg.Default.Organisation
	}
	if slug == "" {
		return nil, fmt.Errorf("no organisation selected. Use --org or 'dashsync config set default.organisation <slug>'")
	}

	log, err := dashsync.NewDevelopmentLogger(valueOrDefault(cfg.Default.LogLevel, "warn"))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	opts := []dashsync.ClientOption{dashsync.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, dashsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Webhook.URL != "" {
		a.webhook = dashsync.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, dashsync.WithWebhookLogger(log))
		opts = append(opts, dashsync.WithWebhook(a.webhook))
	}
	a.client = dashsync.NewClient(cfg.Auth.Token, opts...)
	a.org = a.client.Org(slug)
	return a, nil
}

// close flushes background work before the process exits.
func (a *app) close() {
	if a.webhook != nil {
		a.webhook.Wait()
	}
	_ = a.log.Sync()
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// explain adds a hint for errors the user can act on.
func explain(err error) error {
	var ve *dashsync.ValidationError
	switch {
	case errors.Is(err, dashsync.ErrUnauthorized):
		return fmt.Errorf("%w\nYour session is missing or expired. Run 'dashsync init <token>' to sign in again.", err)
	case errors.As(err, &ve):
		return err
	case dashsync.IsRetryable(err):
		return fmt.Errorf("%w\nThe backend could not be reached. Try again in a moment.", err)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDate accepts YYYY-MM-DD or RFC 3339.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD)", s)
	}
	return t, nil
}

func dateRange(from, to string) (dashsync.DateRange, error) {
	f, err := parseDate(from)
	if err != nil {
		return dashsync.DateRange{}, err
	}
	t, err := parseDate(to)
	if err != nil {
		return dashsync.DateRange{}, err
	}
	return dashsync.DateRange{From: f, To: t}, nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
