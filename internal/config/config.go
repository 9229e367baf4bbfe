package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Routing   RoutingConfig   `json:"routing" yaml:"routing"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// TransportConfig configures the backend WebSocket connection and its reconnect policy.
type TransportConfig struct {
	BaseURL             string `json:"baseUrl" yaml:"baseUrl"` // ws(s)://host; the gateway dials {baseUrl}/chat/{userId}
	UserID              string `json:"userId,omitempty" yaml:"userId,omitempty"`
	MaxAttempts         int    `json:"maxAttempts" yaml:"maxAttempts"`
	RetryDelaySeconds   int    `json:"retryDelaySeconds" yaml:"retryDelaySeconds"` // delay before attempt k is k * this
	HandshakeTimeoutSec int    `json:"handshakeTimeoutSeconds" yaml:"handshakeTimeoutSeconds"`
	PingIntervalSeconds int    `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"`
	PongWaitSeconds     int    `json:"pongWaitSeconds" yaml:"pongWaitSeconds"`
}

// HTTPConfig applies to every outbound provider call.
type HTTPConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// RoutingConfig bounds the conversation -> platform table and the inbound dedupe window.
type RoutingConfig struct {
	MaxEntries          int    `json:"maxEntries" yaml:"maxEntries"`
	TTLMinutes          int    `json:"ttlMinutes" yaml:"ttlMinutes"` // 0 = entries never expire
	PersistPath         string `json:"persistPath,omitempty" yaml:"persistPath,omitempty"`
	DedupeWindowMinutes int    `json:"dedupeWindowMinutes" yaml:"dedupeWindowMinutes"`
	DedupeMaxEntries    int    `json:"dedupeMaxEntries" yaml:"dedupeMaxEntries"`
}

type BusConfig struct {
	HistorySize int `json:"historySize" yaml:"historySize"`
}

// WebhookConfig configures the HTTP receiver providers push webhooks to.
type WebhookConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	PathPrefix  string `json:"pathPrefix" yaml:"pathPrefix"`
	AppSecret   string `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`     // Meta X-Hub-Signature-256
	SecretToken string `json:"secretToken,omitempty" yaml:"secretToken,omitempty"` // Telegram X-Telegram-Bot-Api-Secret-Token
	VerifyToken string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty"` // hub.verify_token challenge
}

type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
	Instagram InstagramConfig `json:"instagram" yaml:"instagram"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Email     EmailConfig     `json:"email" yaml:"email"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	APIBase       string `json:"apiBase" yaml:"apiBase"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty"`
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
}

type InstagramConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	APIBase     string `json:"apiBase" yaml:"apiBase"`
	PageID      string `json:"pageId,omitempty" yaml:"pageId,omitempty"`
	AccessToken string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	VerifyToken string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	APIBase   string `json:"apiBase" yaml:"apiBase"`
	Token     string `json:"token,omitempty" yaml:"token,omitempty"`
	ParseMode string `json:"parseMode" yaml:"parseMode"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // base URL of the mail relay, /api/send-email is appended
	From     string `json:"from,omitempty" yaml:"from,omitempty"`
	Subject  string `json:"subject,omitempty" yaml:"subject,omitempty"`
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint on the webhook server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// RetryDelay is the backoff unit: attempt k waits k * RetryDelay.
func (t TransportConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

func (t TransportConfig) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutSec) * time.Second
}

func (t TransportConfig) PingInterval() time.Duration {
	return time.Duration(t.PingIntervalSeconds) * time.Second
}

func (t TransportConfig) PongWait() time.Duration {
	return time.Duration(t.PongWaitSeconds) * time.Second
}

func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

func (r RoutingConfig) TTL() time.Duration {
	return time.Duration(r.TTLMinutes) * time.Minute
}

func (r RoutingConfig) DedupeWindow() time.Duration {
	return time.Duration(r.DedupeWindowMinutes) * time.Minute
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Routing.PersistPath = ExpandPath(cfg.Routing.PersistPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Transport.BaseURL != "" {
		u, err := url.Parse(cfg.Transport.BaseURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, "transport.baseUrl must be a ws:// or wss:// URL")
		}
	}
	if cfg.Transport.MaxAttempts < 1 || cfg.Transport.MaxAttempts > 100 {
		errs = append(errs, "transport.maxAttempts must be between 1 and 100")
	}
	if cfg.Transport.RetryDelaySeconds < 1 {
		errs = append(errs, "transport.retryDelaySeconds must be >= 1")
	}
	if cfg.Transport.PingIntervalSeconds < 1 || cfg.Transport.PongWaitSeconds <= cfg.Transport.PingIntervalSeconds {
		errs = append(errs, "transport.pongWaitSeconds must be greater than transport.pingIntervalSeconds (>= 1)")
	}
	if cfg.HTTP.TimeoutSeconds < 1 {
		errs = append(errs, "http.timeoutSeconds must be >= 1")
	}
	if cfg.Routing.MaxEntries < 1 {
		errs = append(errs, "routing.maxEntries must be >= 1")
	}
	if cfg.Routing.TTLMinutes < 0 {
		errs = append(errs, "routing.ttlMinutes must be >= 0")
	}
	if cfg.Routing.DedupeMaxEntries < 1 || cfg.Routing.DedupeWindowMinutes < 1 {
		errs = append(errs, "routing.dedupeMaxEntries and routing.dedupeWindowMinutes must be >= 1")
	}
	if cfg.Bus.HistorySize < 0 {
		errs = append(errs, "bus.historySize must be >= 0")
	}
	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}

	ch := cfg.Channels
	if ch.WhatsApp.Enabled && (ch.WhatsApp.PhoneNumberID == "" || ch.WhatsApp.AccessToken == "") {
		errs = append(errs, "channels.whatsapp: phoneNumberId and accessToken are required when enabled")
	}
	if ch.Instagram.Enabled && (ch.Instagram.PageID == "" || ch.Instagram.AccessToken == "") {
		errs = append(errs, "channels.instagram: pageId and accessToken are required when enabled")
	}
	if ch.Telegram.Enabled && ch.Telegram.Token == "" {
		errs = append(errs, "channels.telegram: token is required when enabled")
	}
	if ch.Email.Enabled && ch.Email.Endpoint == "" {
		errs = append(errs, "channels.email: endpoint is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
