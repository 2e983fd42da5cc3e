package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Meta     MetaConfig     `mapstructure:"meta"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	AI       AIConfig       `mapstructure:"ai"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetaConfig struct {
	VerifyToken  string        `mapstructure:"verify_token" validate:"required"`
	AppSecret    string        `mapstructure:"app_secret"`
	GraphURL     string        `mapstructure:"graph_url" validate:"omitempty,url"`
	InstagramURL string        `mapstructure:"instagram_url" validate:"omitempty,url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	OwnerUserID string `mapstructure:"owner_user_id" validate:"required_with=Token"`
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

type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

type AIConfig struct {
	DefaultModel string        `mapstructure:"default_model" validate:"required"`
	Temperature  float64       `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens    int           `mapstructure:"max_tokens" validate:"min=1"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"min=1"`
	EventTimeout time.Duration `mapstructure:"event_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Encoding   string `mapstructure:"encoding" validate:"oneof=json console"`
	Output     string `mapstructure:"output" validate:"oneof=stdout file both"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it on Unmarshal,
// including the ones that default to empty.
func setDefaults(v *viper.Viper) {
	for _, key := range []string{
		"meta.verify_token", "meta.app_secret", "meta.graph_url", "meta.instagram_url",
		"telegram.token", "telegram.owner_user_id",
		"database.password", "database.dbname",
		"redis.url",
		"openai.api_key", "openai.base_url",
		"gemini.api_key", "gemini.base_url",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("meta.timeout", 15*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("redis.dedupe_ttl", 24*time.Hour)
	v.SetDefault("ai.default_model", "gpt-4o-mini")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.max_tokens", 500)
	v.SetDefault("ai.history_limit", 10)
	v.SetDefault("ai.event_timeout", 2*time.Minute)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/pagebot.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// LoadConfig reads defaults, then the optional file at path, then the
// environment. A .env file in the working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, e.g. AI_DEFAULT_MODEL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
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
	overrides := map[string]*string{
		"OPENAI_API_KEY":    &config.OpenAI.APIKey,
		"GEMINI_API_KEY":    &config.Gemini.APIKey,
		"TELEGRAM_TOKEN":    &config.Telegram.Token,
		"META_VERIFY_TOKEN": &config.Meta.VerifyToken,
		"META_APP_SECRET":   &config.Meta.AppSecret,
		"REDIS_URL":         &config.Redis.URL,
	}
	for env, field := range overrides {
		if value := v.GetString(env); value != "" {
			*field = value
		}
	}
	if port := v.GetInt("PORT"); port != 0 {
		config.Server.Port = port
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}
