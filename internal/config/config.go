// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Database settings
	DatabaseDriver string
	DatabaseURL    string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Redis settings (wizard state shared across instances)
	RedisURL string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	DefaultLLM       string
	LLMModel         string
	LLMGatewayMode   string
	LLMFunctionURL   string
	LLMTimeout       time.Duration
	LLMMaxTokens     int
	AssistantID      string
	SystemPrompt     string
	GreetWithLLM     bool

	// Assistant settings
	CatalogFile        string
	SessionCacheTTL    time.Duration
	WriteBehindTimeout time.Duration

	// API key encryption
	APIKeySecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string
	LogFile  string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// DefaultSystemPrompt is sent as the first entry of every LLM conversation.
const DefaultSystemPrompt = "Você é o assistente de dados da Fusion Data Bridge. " +
	"Ajude colaboradores a descobrir conjuntos de dados existentes ou a solicitar novos, " +
	"respondendo de forma clara, objetiva e em português."

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=bridge port=5432 sslmode=disable"),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", true),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "openai"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMGatewayMode:  getEnv("LLM_GATEWAY_MODE", "direct"),
		LLMFunctionURL:  getEnv("LLM_FUNCTION_URL", ""),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 30*time.Second),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1000),
		AssistantID:     getEnv("ASSISTANT_ID", ""),
		SystemPrompt:    getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		GreetWithLLM:    getBoolEnv("ASSISTANT_GREET_WITH_LLM", false),

		// Assistant
		CatalogFile:        getEnv("CATALOG_FILE", ""),
		SessionCacheTTL:    getDurationEnv("SESSION_CACHE_TTL", time.Hour),
		WriteBehindTimeout: getDurationEnv("WRITE_BEHIND_TIMEOUT", 10*time.Second),

		// API keys
		APIKeySecret: getEnv("API_KEY_SECRET", "fusion_data_bridge_secret_key"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
