package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	postgres "github.com/confirmline/call-confirmation-pipeline/internal/storage/postgres"
)

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName  string
	HTTP         HTTPConfig
	Restate      RestateConfig
	Kafka        KafkaConfig
	Database     postgres.DatabaseConfig
	Gateway      GatewayConfig
	CallProvider CallProviderConfig
	CallWindow   CallWindowConfig
	Retry        RetryConfig
}

type HTTPConfig struct {
	Addr string
}

type RestateConfig struct {
	ListenAddr string
	RuntimeURL string
}

type KafkaConfig struct {
	Brokers            []string
	ConfirmationsTopic string
	NotificationsTopic string
	NotifyGroup        string
}

type GatewayConfig struct {
	BaseURL       string
	Secret        string
	WebhookSecret string
	Timeout       time.Duration
}

// CallProviderConfig selects and configures the outbound-call integration.
// Style "assistant" drives the tool-call flow, "scripted" the fixed-step
// flow.
type CallProviderConfig struct {
	Style         string
	BaseURL       string
	APIKey        string
	AssistantID   string
	FromNumber    string
	WebhookSecret string
	CallbackURL   string
	Record        bool
}

type CallWindowConfig struct {
	StartHour int
	EndHour   int
}

type RetryConfig struct {
	MaxRetries    int32
	Delay         time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables, applying sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "call-confirmation-pipeline"),
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_LISTEN_ADDR", ":3000"),
		},
		Restate: RestateConfig{
			ListenAddr: getEnv("RESTATE_LISTEN_ADDR", ":9081"),
			RuntimeURL: getEnv("RESTATE_RUNTIME_URL", "http://127.0.0.1:8080"),
		},
		Kafka: KafkaConfig{
			Brokers:            splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			ConfirmationsTopic: getEnv("KAFKA_CONFIRMATIONS_TOPIC", "confirmations.v1"),
			NotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "notifications.v1"),
			NotifyGroup:        getEnv("KAFKA_NOTIFY_GROUP_ID", "notify-workers"),
		},
		Gateway: GatewayConfig{
			BaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.gateway.local"),
			Secret:        getEnv("GATEWAY_SECRET", ""),
			WebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
		},
		CallProvider: CallProviderConfig{
			Style:         getEnv("CALL_PROVIDER_STYLE", "assistant"),
			BaseURL:       getEnv("CALL_PROVIDER_BASE_URL", "https://api.callprovider.local"),
			APIKey:        getEnv("CALL_PROVIDER_API_KEY", ""),
			AssistantID:   getEnv("CALL_PROVIDER_ASSISTANT_ID", ""),
			FromNumber:    getEnv("CALL_PROVIDER_FROM_NUMBER", ""),
			WebhookSecret: getEnv("CALL_PROVIDER_WEBHOOK_SECRET", ""),
			CallbackURL:   getEnv("CALL_CALLBACK_URL", "http://localhost:3000/webhooks/call"),
			Record:        getEnv("CALL_RECORD", "false") == "true",
		},
	}

	var err error
	if cfg.Gateway.Timeout, err = durationEnv("GATEWAY_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CallWindow.StartHour, err = intEnv("CALL_WINDOW_START_HOUR", 9); err != nil {
		return Config{}, err
	}
	if cfg.CallWindow.EndHour, err = intEnv("CALL_WINDOW_END_HOUR", 21); err != nil {
		return Config{}, err
	}

	maxRetries, err := intEnv("CALL_MAX_RETRIES", 1)
	if err != nil {
		return Config{}, err
	}
	cfg.Retry.MaxRetries = int32(maxRetries)
	if cfg.Retry.Delay, err = durationEnv("CALL_RETRY_DELAY", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Retry.SweepInterval, err = durationEnv("CALL_SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	port, err := intEnv("ORDER_DB_PORT", 5432)
	if err != nil {
		return Config{}, err
	}
	cfg.Database = postgres.DatabaseConfig{
		Host:     getEnv("ORDER_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("ORDER_DB_NAME", "confirmpipeline"),
		User:     getEnv("ORDER_DB_USER", "confirmpipelineadmin"),
		Password: getEnv("ORDER_DB_PASSWORD", ""),
	}

	if cfg.CallWindow.StartHour < 0 || cfg.CallWindow.EndHour > 24 ||
		cfg.CallWindow.StartHour >= cfg.CallWindow.EndHour {
		return Config{}, fmt.Errorf("invalid calling window %d-%d",
			cfg.CallWindow.StartHour, cfg.CallWindow.EndHour)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
