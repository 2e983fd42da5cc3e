package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("META_VERIFY_TOKEN", "verify-me")
	t.Setenv("META_APP_SECRET", "shh")
	t.Setenv("DATABASE_URL", "postgres://bot:pw@db.internal:6543/pagebot?sslmode=require")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PORT", "9090")
	t.Setenv("AI_HISTORY_LIMIT", "6")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "verify-me", cfg.Meta.VerifyToken)
	assert.Equal(t, "shh", cfg.Meta.AppSecret)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 6, cfg.AI.HistoryLimit)
	assert.Equal(t, DatabaseConfig{
		Host: "db.internal", Port: 6543, User: "bot", Password: "pw", DBName: "pagebot", SSLMode: "require",
	}, cfg.Database)

	// defaults
	assert.Equal(t, "gpt-4o-mini", cfg.AI.DefaultModel)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 15*time.Second, cfg.Meta.Timeout)
	assert.Equal(t, "stdout", cfg.Log.Output)
}

func TestLoadConfigEnvOnlyKeysWithoutDefaults(t *testing.T) {
	t.Setenv("META_VERIFY_TOKEN", "verify-me")
	t.Setenv("META_GRAPH_URL", "https://graph.example.com/v19.0")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_OWNER_USER_ID", "owner-7")
	t.Setenv("OPENAI_BASE_URL", "https://llm.example.com/v1")
	t.Setenv("GEMINI_BASE_URL", "https://gemini.example.com")
	t.Setenv("DATABASE_DBNAME", "shop")
	t.Setenv("DATABASE_PASSWORD", "secret")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "owner-7", cfg.Telegram.OwnerUserID)
	assert.Equal(t, "https://llm.example.com/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "https://gemini.example.com", cfg.Gemini.BaseURL)
	assert.Equal(t, "https://graph.example.com/v19.0", cfg.Meta.GraphURL)
	assert.Equal(t, "shop", cfg.Database.DBName)
	assert.Equal(t, "secret", cfg.Database.Password)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("META_VERIFY_TOKEN", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
meta:
  verify_token: from-file
database:
  use_in_memory: true
ai:
  default_model: gemini-2.0-flash
  temperature: 0.3
retry:
  max_attempts: 5
  base_delay: 1s
telegram:
  token: "123:abc"
  owner_user_id: owner-1
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Meta.VerifyToken)
	assert.True(t, cfg.Database.UseInMemory)
	assert.Equal(t, "gemini-2.0-flash", cfg.AI.DefaultModel)
	assert.Equal(t, 0.3, cfg.AI.Temperature)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "owner-1", cfg.Telegram.OwnerUserID)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Run("verify token required", func(t *testing.T) {
		t.Setenv("META_VERIFY_TOKEN", "")
		_, err := LoadConfig("")
		assert.ErrorContains(t, err, "VerifyToken")
	})

	t.Run("telegram needs an owner", func(t *testing.T) {
		t.Setenv("META_VERIFY_TOKEN", "x")
		t.Setenv("TELEGRAM_TOKEN", "123:abc")
		_, err := LoadConfig("")
		assert.ErrorContains(t, err, "OwnerUserID")
	})

	t.Run("retry attempts at least one", func(t *testing.T) {
		t.Setenv("META_VERIFY_TOKEN", "x")
		t.Setenv("RETRY_MAX_ATTEMPTS", "0")
		_, err := LoadConfig("")
		assert.ErrorContains(t, err, "MaxAttempts")
	})
}

func TestParseDatabaseURL(t *testing.T) {
	cfg, err := parseDatabaseURL("postgresql://u@host/db")
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, "db", cfg.DBName)

	_, err = parseDatabaseURL("mysql://u@host/db")
	assert.Error(t, err)
}
