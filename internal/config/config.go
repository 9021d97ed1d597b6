// Package config provides YAML-based configuration loading for agrilink,
// with environment overrides for credentials and deployment settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// MaxReconnectAttempts is the hard ceiling on automatic reconnects.
const MaxReconnectAttempts = 10

// Config is the top-level agrilink configuration, loaded from agrilink.yaml.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Cache     CacheConfig     `yaml:"cache"`
	Relay     RelayConfig     `yaml:"relay"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Log       LogConfig       `yaml:"log"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// BackendConfig locates the consultation backend.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	MediaBaseURL string        `yaml:"media_base_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AuthConfig holds the identity used for REST and socket authentication.
// Token and UserID normally come from the environment, not the file.
type AuthConfig struct {
	Email    string `yaml:"email"`
	Username string `yaml:"username"`
	UserID   string `yaml:"user_id"`
	Role     string `yaml:"role"`
	Token    string `yaml:"token"`
}

// TransportConfig tunes the socket connection manager.
type TransportConfig struct {
	Namespaces        []string      `yaml:"namespaces"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// CacheConfig selects the local cache backend.
type CacheConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // mysql DSN
}

// RelayConfig configures alert forwarding to a chat platform.
type RelayConfig struct {
	Platform string        `yaml:"platform"` // "", "slack" or "discord"
	Channel  string        `yaml:"channel"`
	Events   []string      `yaml:"events"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DashboardConfig controls the local status dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RefreshConfig schedules periodic reloads of the session and request lists.
type RefreshConfig struct {
	Schedule string `yaml:"schedule"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PolicyConfig holds product rules that differ between deployments.
type PolicyConfig struct {
	AllowExpertAfterEnd *bool `yaml:"allow_expert_after_end"`
}

// ExpertMaySendAfterEnd resolves the policy, defaulting to true.
func (p PolicyConfig) ExpertMaySendAfterEnd() bool {
	return p.AllowExpertAfterEnd == nil || *p.AllowExpertAfterEnd
}

// Load reads a YAML config file from path, applies environment overrides
// (including a .env file next to the working directory when present) and
// returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg.finish()
}

// Parse unmarshals YAML bytes into a validated Config. It does not consult
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	return cfg.finish()
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from AGRILINK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("AGRILINK_BASE_URL", &c.Backend.BaseURL)
	set("AGRILINK_MEDIA_BASE_URL", &c.Backend.MediaBaseURL)
	set("AGRILINK_EMAIL", &c.Auth.Email)
	set("AGRILINK_USERNAME", &c.Auth.Username)
	set("AGRILINK_USER_ID", &c.Auth.UserID)
	set("AGRILINK_ROLE", &c.Auth.Role)
	set("AGRILINK_TOKEN", &c.Auth.Token)
	set("AGRILINK_LOG_LEVEL", &c.Log.Level)
	set("AGRILINK_SLACK_BOT_TOKEN", &c.Relay.Slack.BotToken)
	set("AGRILINK_DISCORD_BOT_TOKEN", &c.Relay.Discord.BotToken)
	set("AGRILINK_CACHE_DSN", &c.Cache.DSN)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.MediaBaseURL == "" {
		c.Backend.MediaBaseURL = c.Backend.BaseURL
	}
	c.Backend.MediaBaseURL = strings.TrimRight(c.Backend.MediaBaseURL, "/")
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if len(c.Transport.Namespaces) == 0 {
		c.Transport.Namespaces = []string{"expert"}
	}
	if c.Transport.ReconnectAttempts == 0 {
		c.Transport.ReconnectAttempts = MaxReconnectAttempts
	}
	if c.Transport.ReconnectDelay == 0 {
		c.Transport.ReconnectDelay = time.Second
	}
	if c.Transport.ReconnectDelayMax == 0 {
		c.Transport.ReconnectDelayMax = 5 * time.Second
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = 20 * time.Second
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "sqlite"
	}
	if c.Cache.Driver == "sqlite" && c.Cache.Path == "" {
		c.Cache.Path = "agrilink.db"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Refresh.Schedule == "" {
		c.Refresh.Schedule = "*/5 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Auth.Role = strings.ToLower(c.Auth.Role)
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	} else if !isHTTPURL(c.Backend.BaseURL) {
		errs = append(errs, fmt.Sprintf("backend.base_url %q must be an absolute http(s) URL", c.Backend.BaseURL))
	}
	if c.Backend.MediaBaseURL != "" && !isHTTPURL(c.Backend.MediaBaseURL) {
		errs = append(errs, fmt.Sprintf("backend.media_base_url %q must be an absolute http(s) URL", c.Backend.MediaBaseURL))
	}

	switch c.Auth.Role {
	case "", "farmer", "expert", "admin":
	default:
		errs = append(errs, fmt.Sprintf("auth.role %q must be farmer, expert or admin", c.Auth.Role))
	}

	for i, ns := range c.Transport.Namespaces {
		if ns != "expert" && ns != "live" {
			errs = append(errs, fmt.Sprintf("transport.namespaces[%d] %q is not a known namespace", i, ns))
		}
	}
	if c.Transport.ReconnectAttempts < 0 || c.Transport.ReconnectAttempts > MaxReconnectAttempts {
		errs = append(errs, fmt.Sprintf("transport.reconnect_attempts must be between 0 and %d", MaxReconnectAttempts))
	}
	if c.Transport.ReconnectDelay > c.Transport.ReconnectDelayMax {
		errs = append(errs, "transport.reconnect_delay must not exceed reconnect_delay_max")
	}

	switch c.Cache.Driver {
	case "sqlite":
	case "mysql":
		if c.Cache.DSN == "" {
			errs = append(errs, "cache.dsn is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be sqlite or mysql", c.Cache.Driver))
	}

	switch c.Relay.Platform {
	case "":
	case "slack":
		if c.Relay.Slack.BotToken == "" {
			errs = append(errs, "relay.slack.bot_token is required")
		}
	case "discord":
		if c.Relay.Discord.BotToken == "" {
			errs = append(errs, "relay.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q must be slack or discord", c.Relay.Platform))
	}
	if c.Relay.Platform != "" && c.Relay.Channel == "" {
		errs = append(errs, "relay.channel is required when relay.platform is set")
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if _, err := cron.ParseStandard(c.Refresh.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("refresh.schedule %q: %v", c.Refresh.Schedule, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
