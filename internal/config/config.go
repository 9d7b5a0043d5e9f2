// Package config provides YAML-based configuration loading for botfleet.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level botfleet configuration, loaded from fleet.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Auth      AuthConfig      `yaml:"auth"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	History   HistoryConfig   `yaml:"history"`
	Chat      ChatConfig      `yaml:"chat"`
}

// ServerConfig identifies the game server every bot joins.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`
}

// GatewayConfig points at the protocol gateway that speaks the game protocol.
type GatewayConfig struct {
	URL              string `yaml:"url"`
	HandshakeTimeout int    `yaml:"handshake_timeout_sec"`
}

// AccountConfig is one managed account.
type AccountConfig struct {
	ID        string `yaml:"id"`
	Username  string `yaml:"username"`
	Auth      string `yaml:"auth"`       // offline or microsoft
	Channel   string `yaml:"channel"`    // chat channel mirrored to this bot
	AutoStart *bool  `yaml:"auto_start"` // defaults to true
}

// StartsOnBoot reports whether serve should connect the account at startup.
func (a AccountConfig) StartsOnBoot() bool {
	return a.AutoStart == nil || *a.AutoStart
}

// ReconnectConfig holds the backoff policy.
type ReconnectConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	Growth      float64 `yaml:"growth"`
	CapExponent int     `yaml:"cap_exponent"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
}

// EnabledByDefault reports the initial auto-reconnect flag for new sessions.
func (r ReconnectConfig) EnabledByDefault() bool {
	return r.Enabled == nil || *r.Enabled
}

// BaseDelay returns the first reconnect delay.
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// AuthConfig holds the OAuth2 device-code settings for microsoft accounts.
type AuthConfig struct {
	ClientID      string   `yaml:"client_id"`
	Tenant        string   `yaml:"tenant"`
	DeviceAuthURL string   `yaml:"device_auth_url"`
	TokenURL      string   `yaml:"token_url"`
	Scopes        []string `yaml:"scopes"`
}

// DashboardConfig controls the operator HTTP API.
type DashboardConfig struct {
	Port    int `yaml:"port"`
	LogTail int `yaml:"log_tail"`
}

// HistoryConfig selects where session logs are persisted. An empty driver
// disables persistence.
type HistoryConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql or empty
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Keep     int    `yaml:"keep"` // rows retained per account, defaults to 1000
}

// ChatConfig configures the chat bridge.
type ChatConfig struct {
	Platform      string        `yaml:"platform"` // discord, slack or empty
	Channel       string        `yaml:"channel"`  // notifications and commands
	CommandPrefix string        `yaml:"command_prefix"`
	Presence      *bool         `yaml:"presence"`
	Digest        DigestConfig  `yaml:"digest"`
	Discord       DiscordConfig `yaml:"discord"`
	Slack         SlackConfig   `yaml:"slack"`
}

// PresenceEnabled reports whether the bridge should publish presence.
func (c ChatConfig) PresenceEnabled() bool {
	return c.Presence == nil || *c.Presence
}

// DigestConfig schedules a periodic fleet status post.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// Environment variables that override secrets from the file.
const (
	EnvDiscordToken  = "FLEET_DISCORD_TOKEN"
	EnvSlackBotToken = "FLEET_SLACK_BOT_TOKEN"
	EnvSlackAppToken = "FLEET_SLACK_APP_TOKEN"
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Account returns the configured account with the given ID.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDiscordToken); v != "" {
		c.Chat.Discord.BotToken = v
	}
	if v := getenv(EnvSlackBotToken); v != "" {
		c.Chat.Slack.BotToken = v
	}
	if v := getenv(EnvSlackAppToken); v != "" {
		c.Chat.Slack.AppToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 25565
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = 15
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Username == "" {
			a.Username = a.ID
		}
		if a.Auth == "" {
			a.Auth = "offline"
		}
	}
	if c.Reconnect.BaseDelayMS == 0 {
		c.Reconnect.BaseDelayMS = 5000
	}
	if c.Reconnect.Growth == 0 {
		c.Reconnect.Growth = 1.5
	}
	if c.Reconnect.CapExponent == 0 {
		c.Reconnect.CapExponent = 12
	}
	if c.Reconnect.MaxDelayMS == 0 {
		c.Reconnect.MaxDelayMS = 60000
	}
	if c.Auth.Tenant == "" {
		c.Auth.Tenant = "consumers"
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = []string{"XboxLive.signin", "offline_access"}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Dashboard.LogTail == 0 {
		c.Dashboard.LogTail = 50
	}
	if c.History.Keep == 0 {
		c.History.Keep = 1000
	}
	if c.History.Driver == "sqlite" && c.History.Path == "" {
		c.History.Path = "fleet.db"
	}
	if c.History.Driver == "mysql" {
		if c.History.Host == "" {
			c.History.Host = "127.0.0.1"
		}
		if c.History.Port == 0 {
			c.History.Port = 3306
		}
		if c.History.User == "" {
			c.History.User = "root"
		}
		if c.History.Database == "" {
			c.History.Database = "botfleet"
		}
	}
	if c.Chat.CommandPrefix == "" {
		c.Chat.CommandPrefix = "!fleet"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Host == "" {
		errs = append(errs, "server.host is required")
	}
	if c.Gateway.URL == "" {
		errs = append(errs, "gateway.url is required")
	}
	if len(c.Accounts) == 0 {
		errs = append(errs, "at least one account is required")
	}
	seen := make(map[string]bool)
	needsAuth := false
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].id is required", i))
		} else if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		switch a.Auth {
		case "offline":
		case "microsoft":
			needsAuth = true
		default:
			errs = append(errs, fmt.Sprintf("accounts[%d].auth must be offline or microsoft, got %q", i, a.Auth))
		}
	}
	if needsAuth && c.Auth.ClientID == "" {
		errs = append(errs, "auth.client_id is required for microsoft accounts")
	}
	if c.Reconnect.Growth < 1 {
		errs = append(errs, "reconnect.growth must be >= 1")
	}
	if c.Reconnect.MaxDelayMS < c.Reconnect.BaseDelayMS {
		errs = append(errs, "reconnect.max_delay_ms must be >= base_delay_ms")
	}
	switch c.History.Driver {
	case "", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("history.driver must be sqlite or mysql, got %q", c.History.Driver))
	}
	if c.History.Keep < 0 {
		errs = append(errs, "history.keep must be >= 0")
	}
	switch c.Chat.Platform {
	case "":
	case "discord":
		if c.Chat.Discord.BotToken == "" {
			errs = append(errs, "chat.discord.bot_token is required (or set "+EnvDiscordToken+")")
		}
	case "slack":
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required (or set "+EnvSlackBotToken+")")
		}
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required (or set "+EnvSlackAppToken+")")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform must be discord or slack, got %q", c.Chat.Platform))
	}
	if c.Chat.Platform != "" && c.Chat.Channel == "" {
		errs = append(errs, "chat.channel is required when a chat platform is set")
	}
	if c.Chat.Digest.Enabled && c.Chat.Digest.Cron == "" {
		errs = append(errs, "chat.digest.cron is required when the digest is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
