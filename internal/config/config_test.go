package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, int64(10*1024*1024), cfg.Intake.MaxBytes)
	assert.Equal(t, ".eml", cfg.Intake.Extension)
	assert.True(t, cfg.Intake.Dedup)
	assert.Equal(t, "fornecedora.com", cfg.Extract.SupplierADomain)
	assert.Equal(t, "parceirob.com", cfg.Extract.PartnerBDomain)
	assert.Equal(t, "BR", cfg.Customer.PhoneRegion)
	assert.Equal(t, 30, cfg.Pipeline.ProcessingTimeoutMins)
	assert.Equal(t, 90, cfg.Retention.SuccessDays)
	assert.Equal(t, 180, cfg.Retention.FailedDays)
	assert.Equal(t, 365, cfg.Retention.OrphanFileDays)
	assert.Equal(t, "0 2 * * *", cfg.Retention.Schedule)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: intake.db
log:
  level: debug
  format: console
retention:
  success_days: 30
extract:
  partner_b_domain: parceiro.example
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "intake.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 30, cfg.Retention.SuccessDays)
	assert.Equal(t, "parceiro.example", cfg.Extract.PartnerBDomain)
	// Defaults still apply for unset values
	assert.Equal(t, 180, cfg.Retention.FailedDays)
	assert.Equal(t, "fornecedora.com", cfg.Extract.SupplierADomain)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EMLINTAKE_STORE_DRIVER", "postgres")
	t.Setenv("EMLINTAKE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("EMLINTAKE_SERVER_PORT", "3000")
	t.Setenv("EMLINTAKE_INTAKE_DEDUP", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.False(t, cfg.Intake.Dedup)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
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

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "intake.db"
	cfg.Blob.Driver = "fs"
	cfg.Blob.Dir = "/tmp/blobs"
	cfg.Intake.MaxBytes = 10 * 1024 * 1024
	cfg.Queue.Concurrency = 4
	cfg.Pipeline.ProcessingTimeoutMins = 30
	cfg.Retention.SuccessDays = 90
	cfg.Retention.FailedDays = 180
	cfg.Retention.OrphanFileDays = 365
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "sweep", "ingest", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_PostgresRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_UnknownDrivers(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Blob.Driver = "s3"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver must be postgres or sqlite, got "mysql"`)
	assert.Contains(t, err.Error(), `blob.driver must be fs, gcs or memory, got "s3"`)
}

func TestValidate_GCSRequiresBucket(t *testing.T) {
	cfg := validDefaults()
	cfg.Blob.Driver = "gcs"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob.bucket is required")
}

func TestValidate_PostgresQueueNeedsPostgresStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Queue.Driver = "postgres"

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.driver postgres requires store.driver postgres")
}

func TestValidate_MigrateSkipsBlobAndQueue(t *testing.T) {
	cfg := validDefaults()
	cfg.Blob.Driver = ""
	cfg.Queue.Driver = "kafka"

	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidate_ServeInvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	// Port only matters for serve.
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidate_SweepWindows(t *testing.T) {
	cfg := validDefaults()
	cfg.Retention.FailedDays = 0

	err := cfg.Validate("sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention windows")
}

func TestQueueDriver(t *testing.T) {
	cfg := validDefaults()
	assert.Equal(t, "memory", cfg.QueueDriver())

	cfg.Store.Driver = "postgres"
	assert.Equal(t, "postgres", cfg.QueueDriver())

	cfg.Queue.Driver = "memory"
	assert.Equal(t, "memory", cfg.QueueDriver())
}
