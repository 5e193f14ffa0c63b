// Package config loads and persists the bridge configuration document
// (bridge.yaml by default). Secrets may be supplied via environment
// variables instead of the file.
package config

import "sync"

// Config is the root configuration of the bridge.
type Config struct {
	IRC       IRCConfig       `yaml:"IRC"`
	Telegram  TelegramConfig  `yaml:"Telegram"`
	Discord   DiscordConfig   `yaml:"Discord"`
	Mongo     MongoConfig     `yaml:"Mongo"`
	Bridge    [][]string      `yaml:"Bridge"`
	Logging   LoggingConfig   `yaml:"Logging"`
	Files     FilesConfig     `yaml:"Files"`
	SpamCheck SpamCheckConfig `yaml:"SpamCheck"`

	mu sync.RWMutex
}

// IRCConfig configures the IRC client.
type IRCConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSL      bool   `yaml:"ssl"`
	Nick     string `yaml:"nick"`
	RealName string `yaml:"real_name"`
	Username string `yaml:"username"`
	// NickServ password, from env TRIBRIDGE_IRC_PASSWORD when unset here.
	Password string `yaml:"password"`
	// Messages longer than this many lines are chunked or uploaded.
	MaxLines       int    `yaml:"max_lines"`
	UploadLongMsg  bool   `yaml:"upload_long_msg"`
	PlatformPrefix string `yaml:"platform_prefix"`
}

// TelegramConfig configures the MTProto bot client.
type TelegramConfig struct {
	// Session directory for the MTProto session file.
	Session string `yaml:"session"`
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
	// From env TRIBRIDGE_TELEGRAM_BOT_TOKEN when unset here.
	BotToken string `yaml:"bot_token"`
	// "username" (fall back to first/last name) or "name" (the reverse).
	NickStyle      string `yaml:"nick_style"`
	PlatformPrefix string `yaml:"platform_prefix"`
}

// DiscordConfig configures the Discord bot.
type DiscordConfig struct {
	// From env TRIBRIDGE_DISCORD_TOKEN when unset here.
	Token string `yaml:"token"`
	// "nickname" (guild display name) or "name" (account username).
	NickStyle      string `yaml:"nick_style"`
	PlatformPrefix string `yaml:"platform_prefix"`
}

// MongoConfig locates the message store.
type MongoConfig struct {
	// From env TRIBRIDGE_MONGO_URI when unset here.
	URI            string `yaml:"uri"`
	DatabaseName   string `yaml:"database_name"`
	CollectionName string `yaml:"collection_name"`
}

// LoggingConfig routes logs to a rotating file when Path is set.
type LoggingConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// FilesConfig configures local media storage and its public URL.
type FilesConfig struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
	// Upload mode; "self" serves downloaded files from URL directly.
	Upload string `yaml:"upload"`
}

// SpamCheckConfig configures the optional remote spam-check endpoint for
// Telegram messages. Disabled unless an API key is set.
type SpamCheckConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	DelayMS int    `yaml:"delay_ms"`
}

// Enabled reports whether the spam check should run at all.
func (s SpamCheckConfig) Enabled() bool { return s.APIKey != "" }

// Default returns a config with the documented default values filled in.
func Default() *Config {
	return &Config{
		IRC: IRCConfig{
			Port:           6697,
			SSL:            true,
			MaxLines:       3,
			PlatformPrefix: "I",
		},
		Telegram: TelegramConfig{
			Session:        "bridge",
			NickStyle:      "username",
			PlatformPrefix: "T",
		},
		Discord: DiscordConfig{
			NickStyle:      "nickname",
			PlatformPrefix: "D",
		},
		Mongo: MongoConfig{
			DatabaseName:   "bridge",
			CollectionName: "messages",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		SpamCheck: SpamCheckConfig{
			BaseURL: "https://tg-cleaner.toolforge.org",
			DelayMS: 1000,
		},
	}
}
