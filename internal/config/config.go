package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Processing modes.
const (
	ModeInline = "inline"
	ModeQueue  = "queue"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	WebhookSecret           string
	WebhookRequireSignature bool
	DefaultGatewayID        string
	AckBudget               time.Duration

	DedupContentWindow      time.Duration
	DedupInFlightGrace      time.Duration
	DispatchDuplicateWindow time.Duration

	TurnTimeout              time.Duration
	LLMTimeout               time.Duration
	ClassifierThreshold      float64
	EscalationLevelThreshold int
	EscalationCooldown       time.Duration
	HistoryWindow            int
	SessionTTL               time.Duration
	MemoryCapacity           int
	MemoryTTL                time.Duration
	LexiconPath              string

	GatewayBaseURL string
	GatewayAPIKey  string
	GatewaySession string
	GatewaySendRPS float64

	DirectoryBaseURL    string
	DirectoryAPIKey     string
	DirectoryStaticPath string
	DirectoryCacheSize  int
	DirectoryCacheTTL   time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	BedrockModelID      string
	GeminiAPIKey        string
	GeminiModelID       string

	ProcessingMode        string
	UseMemoryQueue        bool
	WorkerCount           int
	ConversationQueueURL  string
	ConversationJobsTable string

	// Handoff delivery
	SendGridAPIKey       string
	SendGridFromEmail    string
	SendGridFromName     string
	SESFromEmail         string
	EscalationEmail      string
	EscalationAdminPhone []string
	ProviderContactsJSON string

	AdminJWTSecret string
	AdminRateLimit float64
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WebhookSecret:           getEnv("WEBHOOK_SECRET", ""),
		WebhookRequireSignature: getEnvAsBool("WEBHOOK_REQUIRE_SIGNATURE", false),
		DefaultGatewayID:        getEnv("DEFAULT_GATEWAY_ID", "default"),
		AckBudget:               getEnvAsDuration("ACK_BUDGET", 1500*time.Millisecond),

		DedupContentWindow:      getEnvAsDuration("DEDUP_CONTENT_WINDOW", 120*time.Second),
		DedupInFlightGrace:      getEnvAsDuration("DEDUP_INFLIGHT_GRACE", 60*time.Second),
		DispatchDuplicateWindow: getEnvAsDuration("DISPATCH_DUPLICATE_WINDOW", 30*time.Second),

		TurnTimeout:              getEnvAsDuration("TURN_TIMEOUT", 8*time.Second),
		LLMTimeout:               getEnvAsDuration("LLM_TIMEOUT", 3*time.Second),
		ClassifierThreshold:      getEnvAsFloat("CLASSIFIER_THRESHOLD", 0.34),
		EscalationLevelThreshold: getEnvAsInt("ESCALATION_LEVEL_THRESHOLD", 2),
		EscalationCooldown:       getEnvAsDuration("ESCALATION_COOLDOWN", 30*time.Minute),
		HistoryWindow:            getEnvAsInt("HISTORY_WINDOW", 10),
		SessionTTL:               getEnvAsDuration("SESSION_TTL", 720*time.Hour),
		MemoryCapacity:           getEnvAsInt("MEMORY_CAPACITY", 10000),
		MemoryTTL:                getEnvAsDuration("MEMORY_TTL", 24*time.Hour),
		LexiconPath:              getEnv("LEXICON_PATH", ""),

		GatewayBaseURL: getEnv("GATEWAY_BASE_URL", ""),
		GatewayAPIKey:  getEnv("GATEWAY_API_KEY", ""),
		GatewaySession: getEnv("GATEWAY_SESSION", "default"),
		GatewaySendRPS: getEnvAsFloat("GATEWAY_SEND_RPS", 5),

		DirectoryBaseURL:    getEnv("DIRECTORY_BASE_URL", ""),
		DirectoryAPIKey:     getEnv("DIRECTORY_API_KEY", ""),
		DirectoryStaticPath: getEnv("DIRECTORY_STATIC_PATH", ""),
		DirectoryCacheSize:  getEnvAsInt("DIRECTORY_CACHE_SIZE", 5000),
		DirectoryCacheTTL:   getEnvAsDuration("DIRECTORY_CACHE_TTL", time.Minute),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:       getEnv("GEMINI_MODEL_ID", ""),

		ProcessingMode:        strings.ToLower(getEnv("PROCESSING_MODE", ModeInline)),
		UseMemoryQueue:        getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:           getEnvAsInt("WORKER_COUNT", 2),
		ConversationQueueURL:  getEnv("CONVERSATION_QUEUE_URL", ""),
		ConversationJobsTable: getEnv("CONVERSATION_JOBS_TABLE", ""),

		SendGridAPIKey:       getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:    getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:     getEnv("SENDGRID_FROM_NAME", "FlightDesk"),
		SESFromEmail:         getEnv("SES_FROM_EMAIL", ""),
		EscalationEmail:      getEnv("ESCALATION_EMAIL", ""),
		EscalationAdminPhone: getEnvAsList("ESCALATION_ADMIN_PHONES"),
		ProviderContactsJSON: getEnv("PROVIDER_CONTACTS_JSON", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		AdminRateLimit: getEnvAsFloat("ADMIN_RATE_LIMIT", 10),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.GatewayBaseURL) == "" {
		errs = append(errs, errors.New("GATEWAY_BASE_URL is required"))
	}
	switch c.ProcessingMode {
	case ModeInline:
	case ModeQueue:
		if !c.UseMemoryQueue && c.ConversationQueueURL == "" {
			errs = append(errs, errors.New("CONVERSATION_QUEUE_URL is required in queue mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROCESSING_MODE %q is not one of inline, queue", c.ProcessingMode))
	}
	if c.WebhookRequireSignature && c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_REQUIRE_SIGNATURE needs WEBHOOK_SECRET"))
	}
	if c.ClassifierThreshold <= 0 || c.ClassifierThreshold > 1 {
		errs = append(errs, fmt.Errorf("CLASSIFIER_THRESHOLD %v must be in (0,1]", c.ClassifierThreshold))
	}
	if _, err := c.ProviderContacts(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProviderContact is one entry of PROVIDER_CONTACTS_JSON.
type ProviderContact struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// ProviderContacts decodes PROVIDER_CONTACTS_JSON, keyed by provider name.
func (c *Config) ProviderContacts() (map[string]ProviderContact, error) {
	raw := strings.TrimSpace(c.ProviderContactsJSON)
	if raw == "" {
		return nil, nil
	}
	var contacts map[string]ProviderContact
	if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
		return nil, fmt.Errorf("PROVIDER_CONTACTS_JSON: %w", err)
	}
	return contacts, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
