package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxAttempts_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Transport.MaxAttempts = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=0")
	}

	cfg.Transport.MaxAttempts = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxAttempts=1 should be valid: %v", err)
	}

	cfg.Transport.MaxAttempts = 101
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=101")
	}
}

func TestValidate_BaseURLScheme(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.BaseURL = "http://example.com"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for http base URL")
	}

	cfg.Transport.BaseURL = "wss://example.com/rt"
	if err := Validate(cfg); err != nil {
		t.Fatalf("wss URL should be valid: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Webhook.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_EnabledChannelNeedsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.WhatsApp.Enabled = true
	cfg.Channels.Telegram.Enabled = true

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for channels without credentials")
	}
	// Both problems are reported at once.
	if !strings.Contains(err.Error(), "whatsapp") || !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("expected both channels in error, got: %v", err)
	}
}

func TestValidate_PongMustExceedPing(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.PongWaitSeconds = cfg.Transport.PingIntervalSeconds
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when pongWait <= pingInterval")
	}
}

func TestDurations(t *testing.T) {
	cfg := Defaults()
	if cfg.Transport.RetryDelay() != 3*time.Second {
		t.Fatalf("expected 3s retry delay, got %v", cfg.Transport.RetryDelay())
	}
	if cfg.Transport.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Transport.MaxAttempts)
	}
	if cfg.HTTP.Timeout() != 15*time.Second {
		t.Fatalf("expected 15s http timeout, got %v", cfg.HTTP.Timeout())
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Transport.UserID = "agent-7"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Transport.UserID != "agent-7" {
		t.Fatalf("expected 'agent-7', got %q", loaded.Transport.UserID)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("TG_TOKEN", "123:abc")
	content := `
transport:
  baseUrl: wss://rt.example.com
  userId: u1
channels:
  telegram:
    enabled: true
    token: ${TG_TOKEN}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("expected env-expanded token, got %q", cfg.Channels.Telegram.Token)
	}
	// Untouched keys keep their defaults.
	if cfg.Transport.MaxAttempts != 5 || cfg.Channels.Telegram.ParseMode != "HTML" {
		t.Fatalf("defaults lost: %+v", cfg.Transport)
	}
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := Defaults()
	cfg.Routing.MaxEntries = 42
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Routing.MaxEntries != 42 {
		t.Fatalf("expected 42, got %d", loaded.Routing.MaxEntries)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"transport": {"maxAttempts": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxAttempts=0")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "channels.telegram.parseMode")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "HTML" {
		t.Fatalf("expected 'HTML', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Channels.WhatsApp.AccessToken = "whatsapp-token-12345678"
	cfg.Webhook.AppSecret = "short"

	sanitized := Sanitize(cfg)

	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Channels.WhatsApp.AccessToken == cfg.Channels.WhatsApp.AccessToken {
		t.Fatal("whatsapp token should be masked")
	}
	if sanitized.Webhook.AppSecret != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Webhook.AppSecret)
	}
	// Verify original is untouched
	if cfg.Channels.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	have := make(map[string]bool, len(paths))
	for _, p := range paths {
		have[p] = true
	}
	for _, expected := range []string{"general.logLevel", "transport.maxAttempts", "routing.ttlMinutes"} {
		if !have[expected] {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}
