package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path, applies defaults for missing keys,
// then applies environment overrides for secrets. A missing file is not an
// error: the defaults plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config back to disk, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path = ExpandHome(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides lets secrets come from the environment so they never
// have to live in the config file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TRIBRIDGE_IRC_PASSWORD", &c.IRC.Password)
	envStr("TRIBRIDGE_TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	envStr("TRIBRIDGE_TELEGRAM_API_HASH", &c.Telegram.APIHash)
	envStr("TRIBRIDGE_DISCORD_TOKEN", &c.Discord.Token)
	envStr("TRIBRIDGE_MONGO_URI", &c.Mongo.URI)
	envStr("TRIBRIDGE_SPAMCHECK_API_KEY", &c.SpamCheck.APIKey)
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
