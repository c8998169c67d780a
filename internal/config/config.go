// Package config defines all configuration for the surveillance engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SENTRY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polymarket-sentry/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Store     StoreConfig     `mapstructure:"store"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds the exchange endpoints. All are public read-only surfaces.
type APIConfig struct {
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	CLOBBaseURL   string `mapstructure:"clob_base_url"`
	WSMarketURL   string `mapstructure:"ws_market_url"`
	MaxMarketPage int    `mapstructure:"max_market_pages"` // pagination cap
}

// DetectorConfig tunes the four anomaly detectors and the baselines feeding
// them. Thresholds are in USD unless noted.
//
//   - LargeTradeMin/High/Critical: the LARGE_TRADE severity ladder.
//   - VolumeSpike*: spike multiples over the expected window volume.
//   - PriceChange*: fractional price moves over the price window.
//   - ZScore*: standard-deviation ladders shared by size and volume checks.
//   - LowPriceThreshold: BUYs below this price feed the percentile tracker.
type DetectorConfig struct {
	LargeTradeMin      float64 `mapstructure:"large_trade_min"`
	LargeTradeHigh     float64 `mapstructure:"large_trade_high"`
	LargeTradeCritical float64 `mapstructure:"large_trade_critical"`

	VolumeSpikeWindow   time.Duration `mapstructure:"volume_spike_window"`
	VolumeSpikeLow      float64       `mapstructure:"volume_spike_low"`
	VolumeSpikeHigh     float64       `mapstructure:"volume_spike_high"`
	VolumeSpikeCritical float64       `mapstructure:"volume_spike_critical"`

	PriceWindow         time.Duration `mapstructure:"price_window"`
	PriceChangeLow      float64       `mapstructure:"price_change_low"`
	PriceChangeHigh     float64       `mapstructure:"price_change_high"`
	PriceChangeCritical float64       `mapstructure:"price_change_critical"`

	ZScoreLow      float64 `mapstructure:"z_score_low"`
	ZScoreHigh     float64 `mapstructure:"z_score_high"`
	ZScoreCritical float64 `mapstructure:"z_score_critical"`

	BaselineWindow        time.Duration `mapstructure:"baseline_window"`
	MinSamplesForBaseline int           `mapstructure:"min_samples_for_baseline"`

	LowPriceThreshold    float64 `mapstructure:"low_price_threshold"`
	PercentileP90        float64 `mapstructure:"percentile_p90"`
	PercentileP95        float64 `mapstructure:"percentile_p95"`
	PercentileP99        float64 `mapstructure:"percentile_p99"`
	PercentileMaxSamples int     `mapstructure:"percentile_max_samples"`
	PercentileMinSamples int     `mapstructure:"percentile_min_samples"`
}

// AlertConfig controls alert pacing and persistence.
type AlertConfig struct {
	Cooldown        time.Duration  `mapstructure:"cooldown"`
	MaxPerHour      int            `mapstructure:"max_per_hour"`
	MinSeverity     types.Severity `mapstructure:"min_severity"`
	MaxStored       int            `mapstructure:"max_stored"`
	SnapshotPath    string         `mapstructure:"snapshot_path"`
	PublishInterval time.Duration  `mapstructure:"publish_interval"`
}

// DiscoveryConfig controls the leader-follower discovery pipeline.
type DiscoveryConfig struct {
	RescanInterval  time.Duration `mapstructure:"rescan_interval"`
	MinTimeGapDays  float64       `mapstructure:"min_time_gap_days"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	MaxPairsPerClus int           `mapstructure:"max_pairs_per_cluster"`
	MinVolume24h    float64       `mapstructure:"min_volume_24h"`
	MinDaysToEnd    int           `mapstructure:"min_days_to_end"`
	RetentionDays   int           `mapstructure:"market_retention_days"`
}

// MonitorConfig controls the leader-resolution poller.
type MonitorConfig struct {
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	NearCertaintyThreshold float64       `mapstructure:"near_certainty_threshold"`
	PerMarketDelay         time.Duration `mapstructure:"per_market_delay"`
}

// LLMConfig holds the chat-completion and embedding providers. Both speak the
// OpenAI-compatible HTTP shape. APIKey comes from SENTRY_LLM_API_KEY.
type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// NotifierConfig selects the alert transport. With an empty Telegram token
// the engine downgrades to stdout logging instead of crashing.
type NotifierConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// StoreConfig sets where durable JSON state lives.
type StoreConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	StateFile     string `mapstructure:"state_file"`
	RelationsFile string `mapstructure:"relations_file"`
	RecorderFile  string `mapstructure:"recorder_file"`
}

// HealthConfig controls the read-only HTTP endpoint.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaults registers every knob's default so the engine runs from an
// empty config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.max_market_pages", 50)

	v.SetDefault("detector.large_trade_min", 5000.0)
	v.SetDefault("detector.large_trade_high", 10000.0)
	v.SetDefault("detector.large_trade_critical", 25000.0)
	v.SetDefault("detector.volume_spike_window", 5*time.Minute)
	v.SetDefault("detector.volume_spike_low", 5.0)
	v.SetDefault("detector.volume_spike_high", 10.0)
	v.SetDefault("detector.volume_spike_critical", 20.0)
	v.SetDefault("detector.price_window", 5*time.Minute)
	v.SetDefault("detector.price_change_low", 0.05)
	v.SetDefault("detector.price_change_high", 0.10)
	v.SetDefault("detector.price_change_critical", 0.20)
	v.SetDefault("detector.z_score_low", 2.0)
	v.SetDefault("detector.z_score_high", 3.0)
	v.SetDefault("detector.z_score_critical", 4.0)
	v.SetDefault("detector.baseline_window", 24*time.Hour)
	v.SetDefault("detector.min_samples_for_baseline", 100)
	v.SetDefault("detector.low_price_threshold", 0.25)
	v.SetDefault("detector.percentile_p90", 0.90)
	v.SetDefault("detector.percentile_p95", 0.95)
	v.SetDefault("detector.percentile_p99", 0.99)
	v.SetDefault("detector.percentile_max_samples", 10000)
	v.SetDefault("detector.percentile_min_samples", 50)

	v.SetDefault("alerts.cooldown", 5*time.Minute)
	v.SetDefault("alerts.max_per_hour", 20)
	v.SetDefault("alerts.min_severity", string(types.SeverityMedium))
	v.SetDefault("alerts.max_stored", 500)
	v.SetDefault("alerts.snapshot_path", "data/smart-money-alerts.json")
	v.SetDefault("alerts.publish_interval", time.Hour)

	v.SetDefault("discovery.rescan_interval", 24*time.Hour)
	v.SetDefault("discovery.min_time_gap_days", 0.0)
	v.SetDefault("discovery.min_confidence", 0.5)
	v.SetDefault("discovery.max_pairs_per_cluster", 10)
	v.SetDefault("discovery.min_volume_24h", 10000.0)
	v.SetDefault("discovery.min_days_to_end", 7)
	v.SetDefault("discovery.market_retention_days", 30)

	v.SetDefault("monitor.check_interval", 30*time.Minute)
	v.SetDefault("monitor.near_certainty_threshold", 0.90)
	v.SetDefault("monitor.per_market_delay", 200*time.Millisecond)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.state_file", "data/opportunities.json")
	v.SetDefault("store.relations_file", "data/relations.jsonl")
	v.SetDefault("store.recorder_file", "data/trades.jsonl")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SENTRY_TELEGRAM_TOKEN, SENTRY_LLM_API_KEY.
// A missing config file is not an error; defaults cover every knob.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("SENTRY_TELEGRAM_TOKEN"); tok != "" {
		cfg.Notifier.TelegramToken = tok
	}
	if chat := os.Getenv("SENTRY_TELEGRAM_CHAT_ID"); chat != "" {
		var id int64
		if _, err := fmt.Sscanf(chat, "%d", &id); err == nil {
			cfg.Notifier.TelegramChatID = id
		}
	}
	if key := os.Getenv("SENTRY_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}

	cfg.Alerts.MinSeverity = types.ParseSeverity(string(cfg.Alerts.MinSeverity))

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.Detector.LargeTradeMin <= 0 {
		return fmt.Errorf("detector.large_trade_min must be > 0")
	}
	if c.Detector.LargeTradeHigh < c.Detector.LargeTradeMin {
		return fmt.Errorf("detector.large_trade_high must be >= large_trade_min")
	}
	if c.Detector.LargeTradeCritical < c.Detector.LargeTradeHigh {
		return fmt.Errorf("detector.large_trade_critical must be >= large_trade_high")
	}
	if c.Detector.LowPriceThreshold <= 0 || c.Detector.LowPriceThreshold >= 1 {
		return fmt.Errorf("detector.low_price_threshold must be in (0, 1)")
	}
	if c.Alerts.MaxPerHour <= 0 {
		return fmt.Errorf("alerts.max_per_hour must be > 0")
	}
	if c.Alerts.Cooldown <= 0 {
		return fmt.Errorf("alerts.cooldown must be > 0")
	}
	if c.Monitor.NearCertaintyThreshold <= 0 || c.Monitor.NearCertaintyThreshold >= 1 {
		return fmt.Errorf("monitor.near_certainty_threshold must be in (0, 1)")
	}
	if c.Discovery.MinConfidence < 0 || c.Discovery.MinConfidence > 1 {
		return fmt.Errorf("discovery.min_confidence must be in [0, 1]")
	}
	return nil
}
