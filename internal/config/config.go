package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/you/multichat/internal/backoff"
)

const (
	EnvPrefix       = "MULTICHAT"
	DefaultFileName = "multichat"
	defaultPort     = 8787
)

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Twitch  TwitchConfig
	YouTube YouTubeConfig `mapstructure:"youtube"`
	TikTok  TikTokConfig  `mapstructure:"tiktok"`
	Window  WindowConfig
	Relay   RelayConfig

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type ServerConfig struct {
	Host string
	Port int
	// CORSOrigins is a comma separated allow list; "*" allows any origin.
	CORSOrigins     string        `mapstructure:"cors_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ClientQueue     int           `mapstructure:"client_queue"`
	HubQueue        int           `mapstructure:"hub_queue"`
}

type LogConfig struct {
	Level  string
	Format string
}

// RetryConfig is the per-adapter reconnect policy.
type RetryConfig struct {
	Base            time.Duration
	Max             time.Duration
	Factor          float64
	Jitter          float64
	MaxFailures     int `mapstructure:"max_failures"`
	Cooldown        time.Duration
	CooldownRetries int `mapstructure:"cooldown_retries"`
	// ConnectTimeout bounds how long a start request waits for the first
	// connection attempt to settle.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// StopTimeout bounds how long a stop waits for the adapter to exit.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type TwitchConfig struct {
	Channel   string
	Nick      string
	Token     string
	TokenFile string `mapstructure:"token_file"`
	// RefreshToken keeps TokenFile current; needs ClientID and ClientSecret.
	RefreshToken string `mapstructure:"refresh_token"`
	TLS          bool
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AutoStart    bool   `mapstructure:"autostart"`
	VerboseDrops bool   `mapstructure:"verbose_drops"`
	Retry        RetryConfig
}

type YouTubeConfig struct {
	// Channel is a channel id, @handle or watch URL.
	Channel string
	// Source is "scrape" (innertube) or "api" (Data API v3, needs APIKey).
	Source           string
	APIKey           string        `mapstructure:"api_key"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	OfflineDelay     time.Duration `mapstructure:"offline_delay"`
	RetryWhenOffline bool          `mapstructure:"retry_when_offline"`
	MaxLoopErrors    int           `mapstructure:"max_loop_errors"`
	AutoStart        bool          `mapstructure:"autostart"`
	Retry            RetryConfig
}

type TikTokConfig struct {
	Username  string
	RelayURL  string `mapstructure:"relay_url"`
	AutoStart bool   `mapstructure:"autostart"`
	Retry     RetryConfig
}

type WindowConfig struct {
	Path          string
	Capacity      int
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type RelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// legacyEnv maps config keys to the unprefixed variable names older
// deployments use. The prefixed name always wins.
var legacyEnv = map[string][]string{
	"server.port":          {"PORT"},
	"twitch.channel":       {"TWITCH_CHANNEL"},
	"twitch.nick":          {"TWITCH_USERNAME", "TWITCH_NICK"},
	"twitch.token":         {"TWITCH_OAUTH", "TWITCH_TOKEN"},
	"twitch.token_file":    {"TWITCH_TOKEN_FILE"},
	"twitch.refresh_token": {"TWITCH_REFRESH_TOKEN"},
	"twitch.client_id":     {"TWITCH_CLIENT_ID"},
	"twitch.client_secret": {"TWITCH_CLIENT_SECRET"},
	"youtube.channel":      {"YT_CHANNEL_ID"},
	"youtube.api_key":      {"YT_API_KEY"},
	"tiktok.username":      {"TIKTOK_USERNAME"},
	"tiktok.relay_url":     {"TIKTOK_RELAY_URL"},
	"relay.addr":           {"REDIS_ADDR"},
}

func setRetryDefaults(v *viper.Viper, prefix string) {
	p := backoff.Default()
	v.SetDefault(prefix+".retry.base", p.Base)
	v.SetDefault(prefix+".retry.max", p.Max)
	v.SetDefault(prefix+".retry.factor", p.Factor)
	v.SetDefault(prefix+".retry.jitter", p.Jitter)
	v.SetDefault(prefix+".retry.max_failures", p.MaxFailures)
	v.SetDefault(prefix+".retry.cooldown", 30*time.Second)
	v.SetDefault(prefix+".retry.cooldown_retries", 3)
	v.SetDefault(prefix+".retry.connect_timeout", 10*time.Second)
	v.SetDefault(prefix+".retry.stop_timeout", 5*time.Second)
}

// New returns a viper instance with every default and environment binding
// in place. Callers may bind flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", defaultPort)
	v.SetDefault("server.cors_origins", "*")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.client_queue", 64)
	v.SetDefault("server.hub_queue", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("twitch.channel", "")
	v.SetDefault("twitch.nick", "")
	v.SetDefault("twitch.token", "")
	v.SetDefault("twitch.token_file", "")
	v.SetDefault("twitch.refresh_token", "")
	v.SetDefault("twitch.tls", true)
	v.SetDefault("twitch.client_id", "")
	v.SetDefault("twitch.client_secret", "")
	v.SetDefault("twitch.autostart", true)
	v.SetDefault("twitch.verbose_drops", false)
	setRetryDefaults(v, "twitch")

	v.SetDefault("youtube.channel", "")
	v.SetDefault("youtube.source", "scrape")
	v.SetDefault("youtube.api_key", "")
	v.SetDefault("youtube.poll_interval", time.Second)
	v.SetDefault("youtube.offline_delay", 15*time.Second)
	v.SetDefault("youtube.retry_when_offline", true)
	v.SetDefault("youtube.max_loop_errors", 5)
	v.SetDefault("youtube.autostart", false)
	setRetryDefaults(v, "youtube")

	v.SetDefault("tiktok.username", "")
	v.SetDefault("tiktok.relay_url", "ws://127.0.0.1:8788/webcast")
	v.SetDefault("tiktok.autostart", true)
	setRetryDefaults(v, "tiktok")

	v.SetDefault("window.path", ":memory:")
	v.SetDefault("window.capacity", 500)
	v.SetDefault("window.batch_size", 1)
	v.SetDefault("window.flush_interval", time.Duration(0))

	v.SetDefault("relay.addr", "")
	v.SetDefault("relay.password", "")
	v.SetDefault("relay.db", 0)
	v.SetDefault("relay.channel", "multichat:envelopes")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(append([]string{key, prefixed}, names...)...)
	}

	return v
}

// Load reads the optional config file named by the "config" key (or
// multichat.yaml in the working directory) and unmarshals everything.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = New()
	}

	if file := strings.TrimSpace(v.GetString("config")); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Twitch.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Twitch.Channel), "#"))
	c.Twitch.Nick = strings.ToLower(strings.TrimSpace(c.Twitch.Nick))
	c.Twitch.Token = strings.TrimSpace(c.Twitch.Token)
	c.Twitch.TokenFile = strings.TrimSpace(c.Twitch.TokenFile)
	c.Twitch.RefreshToken = strings.TrimSpace(c.Twitch.RefreshToken)
	c.YouTube.Channel = strings.TrimSpace(c.YouTube.Channel)
	c.YouTube.Source = strings.ToLower(strings.TrimSpace(c.YouTube.Source))
	c.TikTok.Username = strings.TrimPrefix(strings.TrimSpace(c.TikTok.Username), "@")
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Relay.Addr = strings.TrimSpace(c.Relay.Addr)
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Twitch.RefreshToken != "" && (c.Twitch.TokenFile == "" || c.Twitch.ClientID == "" || c.Twitch.ClientSecret == "") {
		return errors.New("config: twitch.refresh_token needs token_file, client_id and client_secret")
	}
	for name, r := range map[string]RetryConfig{"twitch": c.Twitch.Retry, "youtube": c.YouTube.Retry, "tiktok": c.TikTok.Retry} {
		if r.ConnectTimeout < 0 || r.StopTimeout < 0 {
			return fmt.Errorf("config: %s.retry timeouts must not be negative", name)
		}
		if c.Server.ShutdownTimeout > 0 && r.StopTimeout >= c.Server.ShutdownTimeout {
			return fmt.Errorf("config: %s.retry.stop_timeout %s must be below server.shutdown_timeout %s",
				name, r.StopTimeout, c.Server.ShutdownTimeout)
		}
	}
	switch c.YouTube.Source {
	case "scrape":
	case "api":
		if c.YouTube.Channel != "" && c.YouTube.APIKey == "" {
			return errors.New("config: youtube.source=api needs youtube.api_key")
		}
	default:
		return fmt.Errorf("config: youtube.source must be scrape or api, got %q", c.YouTube.Source)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// Policy converts the retry block into the adapter reconnect policy.
func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{Base: r.Base, Factor: r.Factor, Jitter: r.Jitter, Max: r.Max, MaxFailures: r.MaxFailures}
}

// CooldownPolicy is the fixed wait used after the platform reports the
// channel offline or missing.
func (r RetryConfig) CooldownPolicy() backoff.Policy {
	return backoff.Policy{Base: r.Cooldown, Factor: 1, Max: r.Cooldown}
}

// OriginPatterns is the CORS allow list as websocket origin host patterns:
// "https://overlay.example" becomes "overlay.example".
func (c Config) OriginPatterns() []string {
	var out []string
	for _, o := range c.CORSAllowList() {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// CORSAllowList splits Server.CORSOrigins.
func (c Config) CORSAllowList() []string {
	var out []string
	for _, part := range strings.Split(c.Server.CORSOrigins, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Summary() Summary {
	return Summary{
		Addr:   c.Addr(),
		File:   c.File,
		Window: c.Window.Capacity,
		Relay:  c.Relay.Addr != "",
		Twitch: PlatformSummary{
			Configured: c.Twitch.Channel != "",
			AutoStart:  c.Twitch.AutoStart,
			Channel:    c.Twitch.Channel,
			Auth:       c.Twitch.Token != "" || c.Twitch.TokenFile != "",
		},
		YouTube: PlatformSummary{
			Configured: c.YouTube.Channel != "",
			AutoStart:  c.YouTube.AutoStart,
			Channel:    c.YouTube.Channel,
			Auth:       c.YouTube.APIKey != "",
		},
		TikTok: PlatformSummary{
			Configured: c.TikTok.Username != "",
			AutoStart:  c.TikTok.AutoStart,
			Channel:    c.TikTok.Username,
		},
		Badges: c.Twitch.ClientID != "" && (c.Twitch.ClientSecret != "" || c.Twitch.Token != ""),
	}
}

type Summary struct {
	Addr    string          `json:"addr"`
	File    string          `json:"file,omitempty"`
	Window  int             `json:"window"`
	Relay   bool            `json:"relay"`
	Badges  bool            `json:"badges"`
	Twitch  PlatformSummary `json:"twitch"`
	YouTube PlatformSummary `json:"youtube"`
	TikTok  PlatformSummary `json:"tiktok"`
}

type PlatformSummary struct {
	Configured bool   `json:"configured"`
	AutoStart  bool   `json:"autostart"`
	Channel    string `json:"channel,omitempty"`
	Auth       bool   `json:"auth"`
}

func (c Config) Redacted() map[string]any {
	retry := func(r RetryConfig) map[string]any {
		return map[string]any{
			"base":             r.Base.String(),
			"max":              r.Max.String(),
			"factor":           r.Factor,
			"jitter":           r.Jitter,
			"max_failures":     r.MaxFailures,
			"cooldown":         r.Cooldown.String(),
			"cooldown_retries": r.CooldownRetries,
			"connect_timeout":  r.ConnectTimeout.String(),
			"stop_timeout":     r.StopTimeout.String(),
		}
	}
	return map[string]any{
		"file": c.File,
		"server": map[string]any{
			"addr":             c.Addr(),
			"cors_origins":     c.Server.CORSOrigins,
			"rate_limit":       c.Server.RateLimit,
			"rate_burst":       c.Server.RateBurst,
			"shutdown_timeout": c.Server.ShutdownTimeout.String(),
		},
		"log": map[string]any{"level": c.Log.Level, "format": c.Log.Format},
		"twitch": map[string]any{
			"channel":       c.Twitch.Channel,
			"nick":          c.Twitch.Nick,
			"token":         redactString(c.Twitch.Token),
			"token_file":    c.Twitch.TokenFile,
			"refresh_token": redactString(c.Twitch.RefreshToken),
			"tls":           c.Twitch.TLS,
			"client_id":     redactString(c.Twitch.ClientID),
			"client_secret": redactString(c.Twitch.ClientSecret),
			"autostart":     c.Twitch.AutoStart,
			"retry":         retry(c.Twitch.Retry),
		},
		"youtube": map[string]any{
			"channel":            c.YouTube.Channel,
			"source":             c.YouTube.Source,
			"api_key":            redactString(c.YouTube.APIKey),
			"poll_interval":      c.YouTube.PollInterval.String(),
			"offline_delay":      c.YouTube.OfflineDelay.String(),
			"retry_when_offline": c.YouTube.RetryWhenOffline,
			"max_loop_errors":    c.YouTube.MaxLoopErrors,
			"autostart":          c.YouTube.AutoStart,
			"retry":              retry(c.YouTube.Retry),
		},
		"tiktok": map[string]any{
			"username":  c.TikTok.Username,
			"relay_url": c.TikTok.RelayURL,
			"autostart": c.TikTok.AutoStart,
			"retry":     retry(c.TikTok.Retry),
		},
		"window": map[string]any{
			"path":           c.Window.Path,
			"capacity":       c.Window.Capacity,
			"batch_size":     c.Window.BatchSize,
			"flush_interval": c.Window.FlushInterval.String(),
		},
		"relay": map[string]any{
			"addr":     c.Relay.Addr,
			"password": redactString(c.Relay.Password),
			"db":       c.Relay.DB,
			"channel":  c.Relay.Channel,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
