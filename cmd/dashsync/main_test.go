package main

import (
	"errors"
	"testing"
	"time"

	"github.com/agentdesk/dashsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.organisation", "acme"))
	require.NoError(t, setConfigValue(cfg, "default.poll_interval", "15s"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "u-1"))
	require.NoError(t, setConfigValue(cfg, "webhook.secret", "s3cret"))

	assert.Equal(t, "acme", cfg.Default.Organisation)
	assert.Equal(t, "15s", cfg.Default.PollInterval)
	assert.Equal(t, "u-1", cfg.Auth.UserID)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)

	assert.Error(t, setConfigValue(cfg, "organisation", "acme"))
	assert.Error(t, setConfigValue(cfg, "default.color", "red"))
	assert.Error(t, setConfigValue(cfg, "proxy.url", "x"))
}

func TestSetConfigValueChecks(t *testing.T) {
	tests := []struct {
		key, value string
		ok         bool
	}{
		{"default.base_url", "https://api.example.com", true},
		{"default.base_url", "api.example.com", false},
		{"webhook.url", "ftp://hooks.example.com", false},
		{"default.log_level", "debug", true},
		{"default.log_level", "loud", false},
		{"default.poll_interval", "30s", true},
		{"default.poll_interval", "10", false},
		{"default.poll_interval", "100ms", false},
		{"default.poll_interval", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{Default: ConfigDefault{PollInterval: "15s"}}
			err := setConfigValue(cfg, tt.key, tt.value)
			if !tt.ok {
				assert.Error(t, err)
				assert.Equal(t, "15s", cfg.Default.PollInterval, "rejected values are not stored")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, *configKeys[tt.key].field(cfg))
		})
	}
}

func TestConfigKeysCoverEverySetting(t *testing.T) {
	assert.Len(t, sortedConfigKeys(), 8)
	assert.True(t, configKeys["auth.token"].secret)
	assert.True(t, configKeys["webhook.secret"].secret)
	assert.False(t, configKeys["auth.user_id"].secret)
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("DASHSYNC_HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	cfg.Default.BaseURL = "https://api.example.com"
	cfg.Auth.Token = "tok"
	require.NoError(t, saveConfig(cfg))

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-02-03")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = parseDate("03/02/2026")
	assert.Error(t, err)
}

func TestExplainAddsHints(t *testing.T) {
	err := explain(&dashsync.APIError{Status: 401})
	assert.ErrorIs(t, err, dashsync.ErrUnauthorized)
	assert.Contains(t, err.Error(), "dashsync init")

	plain := errors.New("boom")
	assert.Equal(t, plain, explain(plain))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "abcdefgh...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "*****", maskKey("short"))
	assert.Equal(t, "héllo…", truncate("héllo world", 6))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "-", formatTime(time.Time{}))
}
