package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 24*time.Hour, cfg.JWT.AccessExpire)
	assert.Equal(t, 5*time.Minute, cfg.Backend.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Backend.HeaderTimeout)
	assert.Equal(t, "x-internal-key", cfg.Backend.KeyHeader)
	assert.True(t, cfg.Relay.AllowBodyUser)
	assert.Equal(t, 50, cfg.Relay.TitleLength)
	assert.Equal(t, "chars", cfg.Relay.Window.Strategy)
	assert.Equal(t, 16000, cfg.Relay.Window.MaxChars)
	assert.False(t, cfg.Relay.Replay.Enabled)
	assert.Equal(t, 5, cfg.Relay.Replay.MaxAttempts)
	assert.False(t, cfg.OAuth.GitHub.Enabled())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
  cors:
    - https://chat.example.com
database:
  driver: sqlite
  database: /tmp/aditi.db
relay:
  allow_body_user: false
  window:
    strategy: last_n
    max_messages: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0600))

	t.Setenv("JWT_SECRET", "from-env-secret-from-env-secret-")
	t.Setenv("INTERNAL_API_KEY", "k")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.CORS)
	assert.Equal(t, "/tmp/aditi.db", cfg.Database.DSN())
	assert.False(t, cfg.Relay.AllowBodyUser)
	assert.Equal(t, "last_n", cfg.Relay.Window.Strategy)
	assert.Equal(t, 10, cfg.Relay.Window.MaxMessages)
	assert.Equal(t, "from-env-secret-from-env-secret-", cfg.JWT.Secret)
	assert.Equal(t, "k", cfg.Backend.APIKey)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	base := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		Username: "aditi",
		Password: "pw",
		Database: "chat",
		Charset:  "utf8mb4",
		SSLMode:  "disable",
	}

	tests := []struct {
		driver string
		want   string
	}{
		{"mysql", "aditi:pw@tcp(db:5432)/chat?charset=utf8mb4&parseTime=True&loc=Local"},
		{"", "aditi:pw@tcp(db:5432)/chat?charset=utf8mb4&parseTime=True&loc=Local"},
		{"postgres", "host=db port=5432 user=aditi password=pw dbname=chat sslmode=disable TimeZone=UTC"},
		{"sqlite", "chat"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d := base
			d.Driver = tt.driver
			assert.Equal(t, tt.want, d.DSN())
		})
	}
}
