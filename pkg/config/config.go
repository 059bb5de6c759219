package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Meta       MetaConfig       `mapstructure:"meta"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Account    AccountConfig    `mapstructure:"account"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type WebhookConfig struct {
	VerifyToken string `mapstructure:"verify_token"`
}

type MetaConfig struct {
	GraphBaseURL string `mapstructure:"graph_base_url"`
	PageToken    string `mapstructure:"page_token"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type ClassifierConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type SchedulerConfig struct {
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts"`
	BackoffBaseMillis   int `mapstructure:"backoff_base_millis"`
}

type AccountConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Telegram is the operator alert channel: escalations and delivery failures
// are pushed to this chat. Disabled when the token is empty.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("meta.graph_base_url", "https://graph.facebook.com/v21.0")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("classifier.timeout_seconds", 10)
	v.SetDefault("classifier.min_confidence", 0.7)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.temperature", 0.2)
	v.SetDefault("scheduler.max_delivery_attempts", 3)
	v.SetDefault("scheduler.backoff_base_millis", 500)
	v.SetDefault("account.timezone", "America/Sao_Paulo")

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if token := v.GetString("META_WEBHOOK_VERIFY_TOKEN"); token != "" {
		config.Webhook.VerifyToken = token
	}

	if token := v.GetString("META_PAGE_TOKEN"); token != "" {
		config.Meta.PageToken = token
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	return &config, nil
}
