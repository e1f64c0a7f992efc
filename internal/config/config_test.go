package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "jobcost.db", cfg.Store.SQLitePath)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 30000, cfg.Store.StatementTimeoutMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.InDelta(t, 50.0, cfg.Server.RateLimit, 0.001)
	assert.Equal(t, 30, cfg.Rollup.DashboardTTLSecs)
	assert.Equal(t, 30*time.Second, cfg.Rollup.DashboardTTL())
	assert.Equal(t, "memory", cfg.Rollup.Cache)
	assert.False(t, cfg.Rollup.InvalidateOnWrite)
	assert.Equal(t, "jobcost.events", cfg.Notify.Queue)
	assert.Equal(t, 5, cfg.Notify.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50, cfg.Retry.InitialBackoffMs)
	assert.InDelta(t, 0.10, cfg.Monitoring.MarginThreshold, 0.001)
	assert.True(t, cfg.Monitoring.AlertOverBudget)
	assert.False(t, cfg.Monitoring.AlertCompleteWithoutSpend)
	assert.Equal(t, "ownership", cfg.Authz.Policy)
	assert.False(t, cfg.Audit.Strict)
	assert.Equal(t, "USD", cfg.Report.Currency)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/jobcost
log:
  level: debug
  format: console
server:
  port: 9090
rollup:
  cache: redis
  invalidate_on_write: true
authz:
  policy: allow_all
  admins: [root, ops]
audit:
  strict: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/jobcost", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Rollup.Cache)
	assert.True(t, cfg.Rollup.InvalidateOnWrite)
	assert.Equal(t, "allow_all", cfg.Authz.Policy)
	assert.Equal(t, []string{"root", "ops"}, cfg.Authz.Admins)
	assert.True(t, cfg.Audit.Strict)
	// Defaults still apply for unset values
	assert.Equal(t, 30, cfg.Rollup.DashboardTTLSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("JOBCOST_STORE_DRIVER", "sqlite")
	t.Setenv("JOBCOST_LOG_LEVEL", "warn")
	t.Setenv("JOBCOST_NOTIFY_WEBHOOK_URL", "https://hooks.example.com/jobcost")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "https://hooks.example.com/jobcost", cfg.Notify.WebhookURL)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("JOBCOST_SERVER_PORT", "3000")
	t.Setenv("JOBCOST_ROLLUP_DASHBOARD_TTL_SECS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Rollup.DashboardTTL())
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "jobcost.db"
	cfg.Rollup.Cache = "memory"
	cfg.Authz.Policy = "ownership"
	cfg.Server.Port = 8080
	cfg.Server.ActorHeader = "X-Actor"
	cfg.Monitoring.MarginThreshold = 0.1
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidate_Postgres(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/jobcost"
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Rollup.Cache = "memcached"
	cfg.Authz.Policy = "rbac"
	cfg.Monitoring.MarginThreshold = 5

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store.driver "mysql"`)
	assert.Contains(t, err.Error(), `unknown rollup.cache "memcached"`)
	assert.Contains(t, err.Error(), `unknown authz.policy "rbac"`)
	assert.Contains(t, err.Error(), "margin_threshold")
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := validDefaults()
	cfg.Rollup.Cache = "redis"
	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Server.ActorHeader = ""
	cfg.Monitoring.Enabled = true

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "jwt_secret or server.actor_header")
	assert.Contains(t, err.Error(), "monitoring.webhook_url")

	// The CLI does not serve HTTP.
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
