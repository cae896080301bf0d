package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// Config is the CLI configuration stored in $DASHSYNC_HOME/config.toml,
// ~/.dashsync/config.toml by default.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Webhook ConfigWebhook `toml:"webhook"`
}

type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	Organisation string `toml:"organisation"`
	LogLevel     string `toml:"log_level"`
	PollInterval string `toml:"poll_interval"`
}

// ConfigAuth holds the bearer token issued by the auth provider.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigWebhook is where reply notifications for third-party channels go.
type ConfigWebhook struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

// configKey binds one dotted key to its field. check, when set, rejects
// values the commands would fail on later.
type configKey struct {
	field  func(*Config) *string
	check  func(string) error
	secret bool
}

var configKeys = map[string]configKey{
	"default.base_url":      {field: func(c *Config) *string { return &c.Default.BaseURL }, check: checkHTTPURL},
	"default.organisation":  {field: func(c *Config) *string { return &c.Default.Organisation }},
	"default.log_level":     {field: func(c *Config) *string { return &c.Default.LogLevel }, check: checkLogLevel},
	"default.poll_interval": {field: func(c *Config) *string { return &c.Default.PollInterval }, check: checkPollInterval},
	"auth.token":            {field: func(c *Config) *string { return &c.Auth.Token }, secret: true},
	"auth.user_id":          {field: func(c *Config) *string { return &c.Auth.UserID }},
	"webhook.url":           {field: func(c *Config) *string { return &c.Webhook.URL }, check: checkHTTPURL},
	"webhook.secret":        {field: func(c *Config) *string { return &c.Webhook.Secret }, secret: true},
}

func checkHTTPURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", v)
	}
	return nil
}

func checkLogLevel(v string) error {
	if _, err := zapcore.ParseLevel(v); err != nil {
		return fmt.Errorf("unknown log level %q (debug, info, warn, error)", v)
	}
	return nil
}

func checkPollInterval(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", v, err)
	}
	if d < time.Second {
		return fmt.Errorf("poll interval %s is below 1s", d)
	}
	return nil
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookupConfigKey(key string) (configKey, error) {
	ck, ok := configKeys[key]
	if !ok {
		return configKey{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(sortedConfigKeys(), ", "))
	}
	return ck, nil
}

// setConfigValue sets a field by its dotted key, e.g. "default.organisation".
func setConfigValue(cfg *Config, key, value string) error {
	ck, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	if ck.check != nil && value != "" {
		if err := ck.check(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	*ck.field(cfg) = value
	return nil
}

// configDir returns $DASHSYNC_HOME or ~/.dashsync, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("DASHSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".dashsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig returns a zero Config when no file has been written yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ============================================================================
// config commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change CLI settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every setting, secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, key := range sortedConfigKeys() {
			ck := configKeys[key]
			v := *ck.field(cfg)
			if ck.secret && v != "" {
				v = maskKey(v)
			}
			fmt.Printf("%-22s %s\n", key, valueOrDefault(v, "-"))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ck, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(*ck.field(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change one setting",
	Example: "  dashsync config set default.organisation acme\n  dashsync config set default.poll_interval 30s",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("cannot write config: %w", err)
		}
		shown := args[1]
		if configKeys[args[0]].secret {
			shown = maskKey(shown)
		}
		fmt.Printf("%s = %s\n", args[0], shown)
		return nil
	},
}
