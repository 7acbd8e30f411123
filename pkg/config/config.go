package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	envConfigPath       = "CHATPIPE_CONFIG"
	envEnvironment      = "CHATPIPE_ENV"
	envDatabaseURL      = "CHATPIPE_DATABASE_URL"
	envAppSecret        = "WHATSAPP_APP_SECRET"
	envVerifyToken      = "WHATSAPP_VERIFY_TOKEN"
	envAccessToken      = "WHATSAPP_ACCESS_TOKEN"
	envPhoneNumberID    = "WHATSAPP_PHONE_NUMBER_ID"
	envCronSecret       = "CRON_SECRET"
	envCronUserAgents   = "CRON_USER_AGENTS"
	envTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	envTelegramChatID   = "TELEGRAM_ALERT_CHAT_ID"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Environment string          `json:"environment"`
	Webhook     WebhookConfig   `json:"webhook"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
	Pipeline    PipelineConfig  `json:"pipeline"`
	Ledger      LedgerConfig    `json:"ledger"`
	Features    FeatureFlags    `json:"features"`
	Providers   ProvidersConfig `json:"providers"`
	Breaker     BreakerConfig   `json:"breaker"`
	WhatsApp    WhatsAppConfig  `json:"whatsapp"`
	Alerts      AlertsConfig    `json:"alerts"`
	Notices     NoticesConfig   `json:"notices"`
	Cron        CronConfig      `json:"cron"`
	Gateway     GatewayConfig   `json:"gateway"`
	Logging     LoggingConfig   `json:"logging,omitempty"`

	path string
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// WebhookConfig holds the messaging provider's webhook credentials.
type WebhookConfig struct {
	AppSecret   string `json:"app_secret"`
	VerifyToken string `json:"verify_token"`
	// EscapeUnicode re-encodes non-ASCII body bytes as \uXXXX before signing.
	EscapeUnicode bool  `json:"escape_unicode"`
	MaxBodyBytes  int64 `json:"max_body_bytes"`
}

// RateLimitConfig configures the per-sender rate guard.
type RateLimitConfig struct {
	MinIntervalSeconds int `json:"min_interval_seconds"`
	EntryTTLMinutes    int `json:"entry_ttl_minutes"`
}

// PipelineConfig configures background execution and pathway budgets.
type PipelineConfig struct {
	Workers                 int `json:"workers"`
	QueueSize               int `json:"queue_size"`
	AudioTimeoutSeconds     int `json:"audio_timeout_seconds"`
	ImageTimeoutSeconds     int `json:"image_timeout_seconds"`
	DocumentTimeoutSeconds  int `json:"document_timeout_seconds"`
	DefaultTimeoutSeconds   int `json:"default_timeout_seconds"`
	StillWorkingSeconds     int `json:"still_working_seconds"`
	PersistRetryDelayMillis int `json:"persist_retry_delay_ms"`
}

// LedgerConfig configures the durable event ledger and its drain worker.
type LedgerConfig struct {
	DSN                  string `json:"dsn"`
	BatchLimit           int    `json:"batch_limit"`
	MaxAttempts          int    `json:"max_attempts"`
	StaleClaimMinutes    int    `json:"stale_claim_minutes"`
	DrainIntervalSeconds int    `json:"drain_interval_seconds"`
}

// FeatureFlags are the runtime toggles that may be reloaded without restart.
type FeatureFlags struct {
	LegacyRouting bool `json:"legacy_routing"`
	DurableQueue  bool `json:"durable_queue"`
}

// ProvidersConfig stores the primary/fallback selection and per-provider settings.
type ProvidersConfig struct {
	Primary          string                 `json:"primary"`
	Fallback         string                 `json:"fallback"`
	DailyTokenBudget int64                  `json:"daily_token_budget"`
	OpenAI           OpenAIProviderConfig   `json:"openai"`
	Fantasy          FantasyProviderConfig  `json:"fantasy"`
	OpenCode         OpenCodeProviderConfig `json:"opencode"`
}

// OpenAIProviderConfig configures the OpenAI Responses client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	Model                 string `json:"model"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// FantasyProviderConfig configures the fantasy agent client used as fallback.
type FantasyProviderConfig struct {
	APIKeyEnv             string  `json:"api_key_env"`
	BaseURL               string  `json:"base_url"`
	Model                 string  `json:"model"`
	MaxTokens             int     `json:"max_tokens"`
	Temperature           float64 `json:"temperature"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
}

// OpenCodeProviderConfig configures a self-hosted OpenCode server.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	Model                 string `json:"model"`
	Agent                 string `json:"agent"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// BreakerConfig overrides the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold     int `json:"failure_threshold"`
	FailureWindowSeconds int `json:"failure_window_seconds"`
	ResetTimeoutSeconds  int `json:"reset_timeout_seconds"`
}

// WhatsAppConfig configures the outbound Cloud API client.
type WhatsAppConfig struct {
	BaseURL               string `json:"base_url"`
	APIVersion            string `json:"api_version"`
	PhoneNumberID         string `json:"phone_number_id"`
	AccessToken           string `json:"access_token"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// AlertsConfig groups operator alert sinks.
type AlertsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram operator alert channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// NoticesConfig selects the user-facing notice language and optional catalog override.
type NoticesConfig struct {
	Language    string `json:"language"`
	CatalogPath string `json:"catalog_path"`
}

// CronConfig authorizes scheduler calls to the drain endpoint.
type CronConfig struct {
	Secret     string   `json:"secret"`
	UserAgents []string `json:"user_agents"`
}

// GatewayConfig configures HTTP bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file and applies environment overrides.
func LoadFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.path = configPath

	return &cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// IsProduction reports whether security checks must fail closed.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "development", "dev", "local", "test":
		return false
	default:
		return true
	}
}

// StaleClaimAfter is how long an event may sit in processing before the sweeper requeues it.
func (l LedgerConfig) StaleClaimAfter() time.Duration {
	if l.StaleClaimMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(l.StaleClaimMinutes) * time.Minute
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrideString(&cfg.Environment, envEnvironment)
	overrideString(&cfg.Ledger.DSN, envDatabaseURL)
	overrideString(&cfg.Webhook.AppSecret, envAppSecret)
	overrideString(&cfg.Webhook.VerifyToken, envVerifyToken)
	overrideString(&cfg.WhatsApp.AccessToken, envAccessToken)
	overrideString(&cfg.WhatsApp.PhoneNumberID, envPhoneNumberID)
	overrideString(&cfg.Cron.Secret, envCronSecret)
	overrideString(&cfg.Alerts.Telegram.Token, envTelegramBotToken)

	if raw := strings.TrimSpace(os.Getenv(envCronUserAgents)); raw != "" {
		cfg.Cron.UserAgents = parseCSV(raw)
	}

	if raw := strings.TrimSpace(os.Getenv(envTelegramChatID)); raw != "" {
		var chatID int64
		if _, err := fmt.Sscan(raw, &chatID); err == nil {
			cfg.Alerts.Telegram.ChatID = chatID
		}
	}
}

func overrideString(target *string, env string) {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		*target = value
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATPIPE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
