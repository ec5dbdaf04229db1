package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns a Config that passes Validate in serve mode.
func validBase() Config {
	cfg := Defaults()
	cfg.Oracle.PubKey = "02" + strings.Repeat("ab", 32)
	cfg.Platform.Authority = "0x00000000000000000000000000000000000000aa"
	cfg.Platform.Claimer = "0x00000000000000000000000000000000000000bb"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validBase()
	require.NoError(t, cfg.Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "turbo" },
			wantErr: "unknown mode",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "unknown log_level",
		},
		{
			name:    "no oracle key source",
			mutate:  func(c *Config) { c.Oracle.PubKey = "" },
			wantErr: "oracle",
		},
		{
			name: "keyfile without password",
			mutate: func(c *Config) {
				c.Oracle.PubKey = ""
				c.Oracle.EncryptedKeyPath = "/keys/oracle.json"
			},
			wantErr: "key_password",
		},
		{
			name:    "missing authority",
			mutate:  func(c *Config) { c.Platform.Authority = "" },
			wantErr: "authority",
		},
		{
			name:    "missing claimer",
			mutate:  func(c *Config) { c.Platform.Claimer = "" },
			wantErr: "claimer",
		},
		{
			name: "serve mode requires postgres host",
			mutate: func(c *Config) {
				c.Postgres.Host = ""
			},
			wantErr: "postgres: host",
		},
		{
			name:    "serve mode requires redis addr",
			mutate:  func(c *Config) { c.Redis.Addr = "" },
			wantErr: "redis: addr",
		},
		{
			name: "s3 bucket needs endpoint",
			mutate: func(c *Config) {
				c.S3.Bucket = "rounds"
				c.S3.Endpoint = ""
			},
			wantErr: "s3: endpoint",
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server: port",
		},
		{
			name: "rate limit without window",
			mutate: func(c *Config) {
				c.Server.RateLimit = 10
				c.Server.RateLimitWindow = duration{}
			},
			wantErr: "rate_limit_window",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBase()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidatePaperModeSkipsInfra(t *testing.T) {
	cfg := validBase()
	cfg.Mode = "paper"
	cfg.Postgres = PostgresConfig{}
	cfg.Redis = RedisConfig{}
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ESCROWD_SERVER_PORT", "9001")
	t.Setenv("ESCROWD_MODE", "paper")
	t.Setenv("ESCROWD_PLATFORM_ACCOUNT_RESERVE", "123456")
	t.Setenv("ESCROWD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ESCROWD_SERVER_RATE_LIMIT_WINDOW", "2s")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, uint64(123456), cfg.Platform.AccountReserve)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Second, cfg.Server.RateLimitWindow.Duration)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validBase()
	cfg.Oracle.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "secret"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Oracle.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original is untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	// Mutating the redacted copy's slices must not leak back.
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
