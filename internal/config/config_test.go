package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoad_Defaults verifies the documented defaults when the file does not
// exist.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.IRC.PlatformPrefix != "I" {
		t.Errorf("IRC.PlatformPrefix = %q, want %q", cfg.IRC.PlatformPrefix, "I")
	}
	if cfg.Telegram.NickStyle != "username" {
		t.Errorf("Telegram.NickStyle = %q, want %q", cfg.Telegram.NickStyle, "username")
	}
	if cfg.Discord.NickStyle != "nickname" {
		t.Errorf("Discord.NickStyle = %q, want %q", cfg.Discord.NickStyle, "nickname")
	}
	if cfg.SpamCheck.BaseURL != "https://tg-cleaner.toolforge.org" {
		t.Errorf("SpamCheck.BaseURL = %q, want default toolforge URL", cfg.SpamCheck.BaseURL)
	}
	if cfg.SpamCheck.DelayMS != 1000 {
		t.Errorf("SpamCheck.DelayMS = %d, want 1000", cfg.SpamCheck.DelayMS)
	}
	if cfg.SpamCheck.Enabled() {
		t.Error("SpamCheck.Enabled() = true without an API key")
	}
}

// TestLoad_ParsesSections verifies YAML parsing of the section layout.
func TestLoad_ParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	doc := `
IRC:
  host: irc.libera.chat
  port: 6697
  ssl: true
  nick: bridgebot
  max_lines: 5
  upload_long_msg: true
Telegram:
  api_id: 12345
  api_hash: abcdef
  nick_style: name
Discord:
  token: dc-token
Mongo:
  uri: mongodb://localhost:27017
  database_name: bridge
  collection_name: messages
Bridge:
  - [irc/#a, telegram/100]
  - [telegram/100, discord/200]
Files:
  path: /var/lib/bridge/files
  url: https://files.example.org
  upload: self
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.IRC.Host != "irc.libera.chat" || cfg.IRC.MaxLines != 5 || !cfg.IRC.UploadLongMsg {
		t.Errorf("IRC section = %+v, not parsed as expected", cfg.IRC)
	}
	if cfg.Telegram.APIID != 12345 || cfg.Telegram.NickStyle != "name" {
		t.Errorf("Telegram section = %+v, not parsed as expected", cfg.Telegram)
	}
	if len(cfg.Bridge) != 2 || cfg.Bridge[0][0] != "irc/#a" {
		t.Errorf("Bridge section = %v, not parsed as expected", cfg.Bridge)
	}
	if cfg.Files.Upload != "self" {
		t.Errorf("Files.Upload = %q, want %q", cfg.Files.Upload, "self")
	}
	// Defaults still apply to keys the file omits.
	if cfg.Telegram.PlatformPrefix != "T" {
		t.Errorf("Telegram.PlatformPrefix = %q, want default %q", cfg.Telegram.PlatformPrefix, "T")
	}
}

// TestLoad_EnvOverrides verifies that secrets from the environment win over
// file values.
func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	doc := "Discord:\n  token: from-file\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TRIBRIDGE_DISCORD_TOKEN", "from-env")
	t.Setenv("TRIBRIDGE_MONGO_URI", "mongodb://env:27017")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Errorf("Discord.Token = %q, want env override", cfg.Discord.Token)
	}
	if cfg.Mongo.URI != "mongodb://env:27017" {
		t.Errorf("Mongo.URI = %q, want env override", cfg.Mongo.URI)
	}
}

// TestSaveRoundTrip verifies Save followed by Load preserves values.
func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "bridge.yaml")

	cfg := Default()
	cfg.IRC.Nick = "bridgebot"
	cfg.Bridge = [][]string{{"irc/#a", "discord/1"}}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.IRC.Nick != "bridgebot" {
		t.Errorf("IRC.Nick = %q, want %q", loaded.IRC.Nick, "bridgebot")
	}
	if len(loaded.Bridge) != 1 || loaded.Bridge[0][1] != "discord/1" {
		t.Errorf("Bridge = %v, want round-tripped topology", loaded.Bridge)
	}
}

// TestExpandHome verifies tilde expansion.
func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x.yaml"); got != filepath.Join(home, "x.yaml") {
		t.Errorf("ExpandHome(~/x.yaml) = %q", got)
	}
	if got := ExpandHome("/abs/x.yaml"); got != "/abs/x.yaml" {
		t.Errorf("ExpandHome(abs) = %q", got)
	}
}
