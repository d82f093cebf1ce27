package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://optimizer:pw@localhost:5432/optimizer?sslmode=disable"
  max_open_conns: 40

google_ads:
  developer_token: "dev-token"
  refresh_token: "refresh-token"
  customer_id: "123-456-7890"
  timeout_seconds: 45
  poll_qps: 5

optimizer:
  cycle_default_ms: 60000
  risk_tolerance_default: 0.5
  variance_limit_default: 0.2
  max_step: 0.05
  min_alloc_floor: 0.005

mmm:
  carryover_decay: 0.7
  carryover_cap: 3.0
  seasonality:
    Q4:
      Search: 1.2
      Social: 1.3

ingest:
  anomaly_z: 2.5
  queue_capacity: 500
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Database config
	assert.Equal(t, "postgres://optimizer:pw@localhost:5432/optimizer?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)

	// Google Ads config
	assert.Equal(t, "dev-token", cfg.GoogleAds.DeveloperToken)
	assert.Equal(t, 45, cfg.GoogleAds.TimeoutSeconds)
	assert.Equal(t, 5.0, cfg.GoogleAds.PollQPS)
	assert.True(t, cfg.GoogleAds.Enabled())

	// Optimizer config
	assert.Equal(t, 60000, cfg.Optimizer.CycleDefaultMs)
	assert.Equal(t, 0.5, cfg.Optimizer.RiskToleranceDefault)
	assert.Equal(t, 0.2, cfg.Optimizer.VarianceLimitDefault)
	assert.Equal(t, 0.05, cfg.Optimizer.MaxStep)
	assert.Equal(t, 0.005, cfg.Optimizer.MinAllocFloor)

	// MMM config
	assert.Equal(t, 0.7, cfg.MMM.CarryoverDecay)
	assert.Equal(t, 3.0, cfg.MMM.CarryoverCap)
	assert.Equal(t, 1.2, cfg.MMM.Seasonality["Q4"]["Search"])

	// Ingest config
	assert.Equal(t, 2.5, cfg.Ingest.AnomalyZ)
	assert.Equal(t, 500, cfg.Ingest.QueueCapacity)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/optimizer"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "thompson", cfg.Optimizer.Agent)
	assert.Equal(t, 1.0, cfg.Optimizer.UCBAlpha)
	assert.Equal(t, 15*60*1000, cfg.Optimizer.CycleDefaultMs)
	assert.Equal(t, 0.3, cfg.Optimizer.RiskToleranceDefault)
	assert.Equal(t, 0.1, cfg.Optimizer.VarianceLimitDefault)
	assert.Equal(t, 0.1, cfg.Optimizer.MaxStep)
	assert.Equal(t, 0.01, cfg.Optimizer.MinAllocFloor)
	assert.Equal(t, 1e-4, cfg.Optimizer.ReportThreshold)
	assert.Equal(t, 30000, cfg.Optimizer.DrainTimeoutMs)
	assert.Equal(t, 0.8, cfg.MMM.CarryoverDecay)
	assert.Equal(t, 2.0, cfg.MMM.CarryoverCap)
	assert.Equal(t, 1.0, cfg.MMM.HolidayMultiplier)
	assert.Equal(t, 3.0, cfg.Ingest.AnomalyZ)
	assert.Equal(t, 7, cfg.Ingest.AnomalyLookbackDays)
	assert.Equal(t, 100.0, cfg.Ingest.MaxROAS)
	assert.Equal(t, 90, cfg.ChangeLog.RetentionDays)
	assert.Equal(t, 5, cfg.Ingest.MaxRetries)

	// Platforms without credentials stay disabled
	assert.False(t, cfg.GoogleAds.Enabled())
	assert.False(t, cfg.Meta.Enabled())
	assert.False(t, cfg.TradeDesk.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/optimizer"
meta:
  access_token: "file-token"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	os.Setenv("DATABASE_URL", "postgres://env-host/optimizer")
	os.Setenv("META_ACCESS_TOKEN", "env-token")
	os.Setenv("TRADEDESK_API_KEY", "ttd-key")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("META_ACCESS_TOKEN")
		os.Unsetenv("TRADEDESK_API_KEY")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/optimizer", cfg.Database.URL)
	assert.Equal(t, "env-token", cfg.Meta.AccessToken)
	assert.Equal(t, "ttd-key", cfg.TradeDesk.APIKey)
	assert.True(t, cfg.TradeDesk.Enabled())
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	opt := OptimizerConfig{CycleDefaultMs: 900000, DrainTimeoutMs: 30000, BidUpdateTimeoutMs: 10000}
	assert.Equal(t, 15*time.Minute, opt.CycleDefault())
	assert.Equal(t, 30*time.Second, opt.DrainTimeout())
	assert.Equal(t, 10*time.Second, opt.BidUpdateTimeout())

	ing := IngestConfig{PollIntervalSeconds: 300, FetchTimeoutSeconds: 30}
	assert.Equal(t, 5*time.Minute, ing.PollInterval())
	assert.Equal(t, 30*time.Second, ing.FetchTimeout())

	db := DatabaseConfig{WriteTimeoutMs: 5000}
	assert.Equal(t, 5*time.Second, db.WriteTimeout())
}
