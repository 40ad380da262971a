package config

import (
	"commerce-assistant/internal/logger"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// AppConfig holds all application configuration
type AppConfig struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Store         StoreConfig
	LLM           LLMConfig
	Budget        BudgetConfig
	Orchestration OrchestrationConfig
	Health        HealthConfig
	Auth          AuthConfig
	Channel       ChannelConfig
	Providers     *ProvidersConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Name           string
	SSLMode        string
	MigrationsPath string
}

// StoreConfig selects the State Store backend ("memory" or "postgres")
type StoreConfig struct {
	Backend string
}

// LLMConfig holds provider routing configuration
type LLMConfig struct {
	ProvidersConfigPath string
	MaxRetries          int
	CallTimeout         time.Duration
	SummarizationPrompt string
}

// BudgetConfig holds the spend limits applied by the budget gate
type BudgetConfig struct {
	DefaultMonthlyCap float64
	AlertRatio        float64
	AggregationEvery  time.Duration
}

// OrchestrationConfig holds the tunables of the per-message pass
type OrchestrationConfig struct {
	HarmonizationWindow time.Duration
	MaxBufferDepth      int
	ReferenceTTL        time.Duration
	ContextTTL          time.Duration
	HistoryWindow       int
	MaxContextTokens    int
	CharsPerToken       int
	RAGThreshold        float64
	RAGTopK             int
	QuickCheckoutSLA    int
	Workers             int
}

// HealthConfig holds the provider health verdict parameters
type HealthConfig struct {
	Window     time.Duration
	Floor      float64
	MinSamples int
}

// AuthConfig holds internal call authentication configuration
type AuthConfig struct {
	JWTSecret       []byte
	TokenExpiration time.Duration
}

// ChannelConfig holds where rendered responses are delivered
type ChannelConfig struct {
	CallbackURL     string
	CallbackTimeout time.Duration
}

// LoadConfig loads and validates application configuration from environment
func LoadConfig() (*AppConfig, error) {
	config := &AppConfig{}

	config.Server = ServerConfig{
		Port: getEnvOrDefault("SERVER_PORT", "8080"),
	}

	config.Database = DatabaseConfig{
		Host:           getEnvOrDefault("DB_HOST", "postgres"),
		Port:           getEnvOrDefault("DB_PORT", "5432"),
		User:           getEnvOrDefault("DB_USER", "postgres"),
		Password:       getEnvOrDefault("DB_PASSWORD", "postgres"),
		Name:           getEnvOrDefault("DB_NAME", "assistant"),
		SSLMode:        getEnvOrDefault("DB_SSLMODE", "disable"),
		MigrationsPath: getEnvOrDefault("DB_MIGRATIONS_PATH", "file://migrations"),
	}

	config.Store = StoreConfig{
		Backend: getEnvOrDefault("STORE_BACKEND", "memory"),
	}
	if config.Store.Backend != "memory" && config.Store.Backend != "postgres" {
		return nil, fmt.Errorf("STORE_BACKEND must be memory or postgres, got %q", config.Store.Backend)
	}

	config.LLM = LLMConfig{
		ProvidersConfigPath: getEnvOrDefault("PROVIDERS_CONFIG_PATH", filepath.Join("config", "providers.yaml")),
		MaxRetries:          getEnvAsInt("LLM_MAX_RETRIES", 3),
		CallTimeout:         getEnvAsDuration("LLM_CALL_TIMEOUT", 20*time.Second),
		SummarizationPrompt: getEnvOrDefault("LLM_SUMMARIZATION_PROMPT", getDefaultSummarizationPrompt()),
	}

	config.Budget = BudgetConfig{
		DefaultMonthlyCap: getEnvAsFloat("BUDGET_DEFAULT_MONTHLY_CAP", 50),
		AlertRatio:        getEnvAsFloat("BUDGET_ALERT_RATIO", 0.8),
		AggregationEvery:  getEnvAsDuration("BUDGET_AGGREGATION_INTERVAL", time.Hour),
	}

	config.Orchestration = DefaultOrchestrationConfig()
	o := &config.Orchestration
	o.HarmonizationWindow = getEnvAsDuration("HARMONIZATION_WINDOW", o.HarmonizationWindow)
	o.MaxBufferDepth = getEnvAsInt("HARMONIZATION_MAX_BUFFER", o.MaxBufferDepth)
	o.ReferenceTTL = getEnvAsDuration("REFERENCE_TTL", o.ReferenceTTL)
	o.ContextTTL = getEnvAsDuration("CONTEXT_TTL", o.ContextTTL)
	o.HistoryWindow = getEnvAsInt("HISTORY_WINDOW", o.HistoryWindow)
	o.MaxContextTokens = getEnvAsInt("MAX_CONTEXT_TOKENS", o.MaxContextTokens)
	o.RAGThreshold = getEnvAsFloat("RAG_SIMILARITY_THRESHOLD", o.RAGThreshold)
	o.RAGTopK = getEnvAsInt("RAG_TOP_K", o.RAGTopK)
	o.QuickCheckoutSLA = getEnvAsInt("QUICK_CHECKOUT_SLA_MESSAGES", o.QuickCheckoutSLA)
	o.Workers = getEnvAsInt("TASK_WORKERS", o.Workers)

	config.Health = HealthConfig{
		Window:     getEnvAsDuration("PROVIDER_HEALTH_WINDOW", 5*time.Minute),
		Floor:      getEnvAsFloat("PROVIDER_HEALTH_FLOOR", 0.8),
		MinSamples: getEnvAsInt("PROVIDER_HEALTH_MIN_SAMPLES", 5),
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable must be set")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters (current length: %d)", len(jwtSecret))
	}

	config.Auth = AuthConfig{
		JWTSecret:       []byte(jwtSecret),
		TokenExpiration: getEnvAsDuration("JWT_TOKEN_EXPIRATION", time.Hour),
	}

	config.Channel = ChannelConfig{
		CallbackURL:     os.Getenv("CHANNEL_CALLBACK_URL"),
		CallbackTimeout: getEnvAsDuration("CHANNEL_CALLBACK_TIMEOUT", 10*time.Second),
	}

	return config, nil
}

// LoadProviders reads the provider catalogue referenced by LLM.ProvidersConfigPath
func (c *AppConfig) LoadProviders() error {
	providers, err := NewProvidersConfig(c.LLM.ProvidersConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load providers config: %w", err)
	}
	c.Providers = providers
	return nil
}

// DefaultOrchestrationConfig returns the documented defaults
func DefaultOrchestrationConfig() OrchestrationConfig {
	return OrchestrationConfig{
		HarmonizationWindow: 3 * time.Second,
		MaxBufferDepth:      10,
		ReferenceTTL:        5 * time.Minute,
		ContextTTL:          30 * time.Minute,
		HistoryWindow:       10,
		MaxContextTokens:    2000,
		CharsPerToken:       4,
		RAGThreshold:        0.7,
		RAGTopK:             3,
		QuickCheckoutSLA:    3,
		Workers:             4,
	}
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid integer value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid float value, using default")
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{"key": key, "default": defaultValue}).Warn("Invalid duration value, using default")
		return defaultValue
	}
	return value
}

func getDefaultSummarizationPrompt() string {
	return `You summarize a customer conversation with a shop assistant on WhatsApp.

Instructions:
1. Capture the products, prices and quantities the customer discussed
2. Note decisions: items chosen, payment method, delivery details
3. Preserve open questions the assistant still has to answer
4. Keep the summary brief, in the language the customer used

Provide only the summary, without any preamble or additional commentary.`
}
