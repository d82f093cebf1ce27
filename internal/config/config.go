package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the optimization engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	GoogleAds GoogleAdsConfig `yaml:"google_ads"`
	Meta      MetaConfig      `yaml:"meta"`
	TradeDesk TradeDeskConfig `yaml:"trade_desk"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	MMM       MMMConfig       `yaml:"mmm"`
	Ingest    IngestConfig    `yaml:"ingest"`
	ChangeLog ChangeLogConfig `yaml:"change_log"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
}

// ServerConfig holds the webhook/ops HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GetHost resolves the bind host. Container environments bind all interfaces.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	if c.Host == "" {
		return "localhost"
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
	WriteTimeoutMs     int    `yaml:"write_timeout_ms"`
}

// WriteTimeout returns the durable-write deadline applied to every store call.
func (c DatabaseConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds the Redis connection settings. Redis backs the
// per-platform rate limiter buckets and the per-campaign cycle locks;
// when absent the engine falls back to in-process limiting and PG
// advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// GoogleAdsConfig holds Google Ads API credentials and pacing.
type GoogleAdsConfig struct {
	DeveloperToken string  `yaml:"developer_token"`
	ClientID       string  `yaml:"client_id"`
	ClientSecret   string  `yaml:"client_secret"`
	RefreshToken   string  `yaml:"refresh_token"`
	CustomerID     string  `yaml:"customer_id"`
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	PollQPS        float64 `yaml:"poll_qps"`
	WebhookSecret  string  `yaml:"webhook_secret"`
}

// Timeout returns the per-request deadline for Google Ads calls.
func (c GoogleAdsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether credentials are present. Missing credentials
// disable the poller without crashing the engine.
func (c GoogleAdsConfig) Enabled() bool {
	return c.DeveloperToken != "" && c.RefreshToken != ""
}

// MetaConfig holds Meta Marketing API credentials and pacing.
type MetaConfig struct {
	AccessToken    string  `yaml:"access_token"`
	AccountID      string  `yaml:"account_id"`
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	PollQPS        float64 `yaml:"poll_qps"`
	WebhookSecret  string  `yaml:"webhook_secret"`
}

// Timeout returns the per-request deadline for Meta calls.
func (c MetaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether credentials are present.
func (c MetaConfig) Enabled() bool {
	return c.AccessToken != ""
}

// TradeDeskConfig holds The Trade Desk API credentials and pacing.
type TradeDeskConfig struct {
	APIKey         string  `yaml:"api_key"`
	PartnerID      string  `yaml:"partner_id"`
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	PollQPS        float64 `yaml:"poll_qps"`
	WebhookSecret  string  `yaml:"webhook_secret"`
}

// Timeout returns the per-request deadline for Trade Desk calls.
func (c TradeDeskConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether credentials are present.
func (c TradeDeskConfig) Enabled() bool {
	return c.APIKey != ""
}

// OptimizerConfig holds the decision-core and scheduler knobs.
type OptimizerConfig struct {
	Agent                string  `yaml:"agent"` // thompson or linucb
	UCBAlpha             float64 `yaml:"ucb_alpha"`
	CycleDefaultMs       int     `yaml:"cycle_default_ms"`
	RiskToleranceDefault float64 `yaml:"risk_tolerance_default"`
	VarianceLimitDefault float64 `yaml:"variance_limit_default"`
	MinTrialsForRiskGate int     `yaml:"min_trials_for_risk_gate"`
	MaxTrialsPerCycle    int     `yaml:"max_trials_per_cycle"`
	MaxStep              float64 `yaml:"max_step"`
	MinAllocFloor        float64 `yaml:"min_alloc_floor"`
	ReportThreshold      float64 `yaml:"report_threshold"`
	DrainTimeoutMs       int     `yaml:"drain_timeout_ms"`
	MaxConcurrentCycles  int     `yaml:"max_concurrent_cycles"`
	BidUpdateTimeoutMs   int     `yaml:"bid_update_timeout_ms"`
}

// CycleDefault returns the default campaign cadence.
func (c OptimizerConfig) CycleDefault() time.Duration {
	return time.Duration(c.CycleDefaultMs) * time.Millisecond
}

// DrainTimeout returns how long shutdown waits for in-flight cycles.
func (c OptimizerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// BidUpdateTimeout returns the deadline for a single SetBid call.
func (c OptimizerConfig) BidUpdateTimeout() time.Duration {
	return time.Duration(c.BidUpdateTimeoutMs) * time.Millisecond
}

// MMMConfig holds the marketing-mix-model factor tables.
// Seasonality is keyed quarter → channel → multiplier ("Q4"→"Search"→1.2).
// External factors are named scalar multipliers applied to every arm.
type MMMConfig struct {
	Seasonality       map[string]map[string]float64 `yaml:"seasonality"`
	CarryoverDecay    float64                       `yaml:"carryover_decay"`
	CarryoverCap      float64                       `yaml:"carryover_cap"`
	External          map[string]float64            `yaml:"external"`
	Holidays          []string                      `yaml:"holidays"` // MM-DD
	HolidayMultiplier float64                       `yaml:"holiday_multiplier"`
}

// IngestConfig holds the metric intake pipeline settings.
type IngestConfig struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	FetchTimeoutSeconds int     `yaml:"fetch_timeout_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	AnomalyZ            float64 `yaml:"anomaly_z"`
	AnomalyLookbackDays int     `yaml:"anomaly_lookback_days"`
	QueueCapacity       int     `yaml:"queue_capacity"`
	DrainBatchSize      int     `yaml:"drain_batch_size"`
	WebhookHintDelta    float64 `yaml:"webhook_hint_delta"`
	MaxROAS             float64 `yaml:"max_roas"`
	AllowFreeRevenue    bool    `yaml:"allow_free_revenue"`
}

// PollInterval returns the per-platform polling cadence.
func (c IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// FetchTimeout returns the deadline for a single FetchMetrics call.
func (c IngestConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// ChangeLogConfig holds change-log retention and cold-storage settings.
type ChangeLogConfig struct {
	RetentionDays      int    `yaml:"retention_days"`
	SweepIntervalHours int    `yaml:"sweep_interval_hours"`
	ArchiveEnabled     bool   `yaml:"archive_enabled"`
	ArchiveS3Bucket    string `yaml:"archive_s3_bucket"`
	ArchiveS3Region    string `yaml:"archive_s3_region"`
}

// SweepInterval returns how often the retention sweeper runs.
func (c ChangeLogConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalHours) * time.Hour
}

// SnowflakeConfig holds the warehouse export settings.
type SnowflakeConfig struct {
	Enabled             bool   `yaml:"enabled"`
	DSN                 string `yaml:"dsn"`
	ExportIntervalHours int    `yaml:"export_interval_hours"`
	BatchSize           int    `yaml:"batch_size"`
}

// ExportInterval returns how often the ETL exporter runs.
func (c SnowflakeConfig) ExportInterval() time.Duration {
	return time.Duration(c.ExportIntervalHours) * time.Hour
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 5
	}
	if cfg.Database.WriteTimeoutMs == 0 {
		cfg.Database.WriteTimeoutMs = 5000
	}
	if cfg.GoogleAds.BaseURL == "" {
		cfg.GoogleAds.BaseURL = "https://googleads.googleapis.com/v17"
	}
	if cfg.GoogleAds.TimeoutSeconds == 0 {
		cfg.GoogleAds.TimeoutSeconds = 30
	}
	if cfg.GoogleAds.PollQPS == 0 {
		cfg.GoogleAds.PollQPS = 2
	}
	if cfg.Meta.BaseURL == "" {
		cfg.Meta.BaseURL = "https://graph.facebook.com/v19.0"
	}
	if cfg.Meta.TimeoutSeconds == 0 {
		cfg.Meta.TimeoutSeconds = 30
	}
	if cfg.Meta.PollQPS == 0 {
		cfg.Meta.PollQPS = 2
	}
	if cfg.TradeDesk.BaseURL == "" {
		cfg.TradeDesk.BaseURL = "https://api.thetradedesk.com/v3"
	}
	if cfg.TradeDesk.TimeoutSeconds == 0 {
		cfg.TradeDesk.TimeoutSeconds = 30
	}
	if cfg.TradeDesk.PollQPS == 0 {
		cfg.TradeDesk.PollQPS = 1
	}
	if cfg.Optimizer.Agent == "" {
		cfg.Optimizer.Agent = "thompson"
	}
	if cfg.Optimizer.UCBAlpha == 0 {
		cfg.Optimizer.UCBAlpha = 1.0
	}
	if cfg.Optimizer.CycleDefaultMs == 0 {
		cfg.Optimizer.CycleDefaultMs = 15 * 60 * 1000
	}
	if cfg.Optimizer.RiskToleranceDefault == 0 {
		cfg.Optimizer.RiskToleranceDefault = 0.3
	}
	if cfg.Optimizer.VarianceLimitDefault == 0 {
		cfg.Optimizer.VarianceLimitDefault = 0.1
	}
	if cfg.Optimizer.MinTrialsForRiskGate == 0 {
		cfg.Optimizer.MinTrialsForRiskGate = 100
	}
	if cfg.Optimizer.MaxTrialsPerCycle == 0 {
		cfg.Optimizer.MaxTrialsPerCycle = 10000
	}
	if cfg.Optimizer.MaxStep == 0 {
		cfg.Optimizer.MaxStep = 0.1
	}
	if cfg.Optimizer.MinAllocFloor == 0 {
		cfg.Optimizer.MinAllocFloor = 0.01
	}
	if cfg.Optimizer.ReportThreshold == 0 {
		cfg.Optimizer.ReportThreshold = 1e-4
	}
	if cfg.Optimizer.DrainTimeoutMs == 0 {
		cfg.Optimizer.DrainTimeoutMs = 30000
	}
	if cfg.Optimizer.BidUpdateTimeoutMs == 0 {
		cfg.Optimizer.BidUpdateTimeoutMs = 10000
	}
	if cfg.MMM.CarryoverDecay == 0 {
		cfg.MMM.CarryoverDecay = 0.8
	}
	if cfg.MMM.CarryoverCap == 0 {
		cfg.MMM.CarryoverCap = 2.0
	}
	if cfg.MMM.HolidayMultiplier == 0 {
		cfg.MMM.HolidayMultiplier = 1.0
	}
	if cfg.Ingest.PollIntervalSeconds == 0 {
		cfg.Ingest.PollIntervalSeconds = 300
	}
	if cfg.Ingest.FetchTimeoutSeconds == 0 {
		cfg.Ingest.FetchTimeoutSeconds = 30
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 5
	}
	if cfg.Ingest.AnomalyZ == 0 {
		cfg.Ingest.AnomalyZ = 3.0
	}
	if cfg.Ingest.AnomalyLookbackDays == 0 {
		cfg.Ingest.AnomalyLookbackDays = 7
	}
	if cfg.Ingest.QueueCapacity == 0 {
		cfg.Ingest.QueueCapacity = 10000
	}
	if cfg.Ingest.DrainBatchSize == 0 {
		cfg.Ingest.DrainBatchSize = 500
	}
	if cfg.Ingest.WebhookHintDelta == 0 {
		cfg.Ingest.WebhookHintDelta = 0.25
	}
	if cfg.Ingest.MaxROAS == 0 {
		cfg.Ingest.MaxROAS = 100
	}
	if cfg.ChangeLog.RetentionDays == 0 {
		cfg.ChangeLog.RetentionDays = 90
	}
	if cfg.ChangeLog.SweepIntervalHours == 0 {
		cfg.ChangeLog.SweepIntervalHours = 24
	}
	if cfg.Snowflake.ExportIntervalHours == 0 {
		cfg.Snowflake.ExportIntervalHours = 6
	}
	if cfg.Snowflake.BatchSize == 0 {
		cfg.Snowflake.BatchSize = 5000
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration from a YAML file, then overrides
// credentials and connection strings from environment variables.
// A .env file is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (ignore errors)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v := os.Getenv("GOOGLE_ADS_DEVELOPER_TOKEN"); v != "" {
		cfg.GoogleAds.DeveloperToken = v
	}
	if v := os.Getenv("GOOGLE_ADS_CLIENT_ID"); v != "" {
		cfg.GoogleAds.ClientID = v
	}
	if v := os.Getenv("GOOGLE_ADS_CLIENT_SECRET"); v != "" {
		cfg.GoogleAds.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_ADS_REFRESH_TOKEN"); v != "" {
		cfg.GoogleAds.RefreshToken = v
	}
	if v := os.Getenv("GOOGLE_ADS_CUSTOMER_ID"); v != "" {
		cfg.GoogleAds.CustomerID = v
	}
	if v := os.Getenv("GOOGLE_WEBHOOK_SECRET"); v != "" {
		cfg.GoogleAds.WebhookSecret = v
	}
	if v := os.Getenv("META_ACCESS_TOKEN"); v != "" {
		cfg.Meta.AccessToken = v
	}
	if v := os.Getenv("META_ACCOUNT_ID"); v != "" {
		cfg.Meta.AccountID = v
	}
	if v := os.Getenv("META_WEBHOOK_SECRET"); v != "" {
		cfg.Meta.WebhookSecret = v
	}
	if v := os.Getenv("TRADEDESK_API_KEY"); v != "" {
		cfg.TradeDesk.APIKey = v
	}
	if v := os.Getenv("TRADEDESK_PARTNER_ID"); v != "" {
		cfg.TradeDesk.PartnerID = v
	}
	if v := os.Getenv("TRADEDESK_WEBHOOK_SECRET"); v != "" {
		cfg.TradeDesk.WebhookSecret = v
	}
	if v := os.Getenv("SNOWFLAKE_DSN"); v != "" {
		cfg.Snowflake.DSN = v
		cfg.Snowflake.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.ChangeLog.ArchiveS3Bucket = v
		cfg.ChangeLog.ArchiveEnabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.ChangeLog.ArchiveS3Region = v
	}

	return cfg, nil
}
