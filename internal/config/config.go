package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/sigwatch/internal/indicator"
	"github.com/rewired-gh/sigwatch/internal/models"
	"github.com/rewired-gh/sigwatch/internal/monitor"
	"github.com/rewired-gh/sigwatch/internal/okx"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete application configuration
type Config struct {
	OKX        OKXConfig        `mapstructure:"okx"`
	Indicators IndicatorsConfig `mapstructure:"indicators"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// OKXConfig holds market data API configuration
type OKXConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Bar            string        `mapstructure:"bar"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	Swap           bool          `mapstructure:"swap"`
	ConfirmedOnly  bool          `mapstructure:"confirmed_only"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second
	RateBurst      int           `mapstructure:"rate_burst"`
}

// IndicatorsConfig holds indicator periods and detection thresholds
type IndicatorsConfig struct {
	RSIPeriod        int     `mapstructure:"rsi_period"`
	RSIOversold      float64 `mapstructure:"rsi_oversold"`
	RSIOverbought    float64 `mapstructure:"rsi_overbought"`
	MAShort          int     `mapstructure:"ma_short"`
	MALong           int     `mapstructure:"ma_long"`
	MACDFast         int     `mapstructure:"macd_fast"`
	MACDSlow         int     `mapstructure:"macd_slow"`
	MACDSignal       int     `mapstructure:"macd_signal"`
	BollingerPeriod  int     `mapstructure:"bollinger_period"`
	BollingerStd     float64 `mapstructure:"bollinger_std"`
	VolumeSMAPeriod  int     `mapstructure:"volume_sma_period"`
	VolumeMultiplier float64 `mapstructure:"volume_multiplier"`
}

// ScoringConfig holds the confidence weights per event family
type ScoringConfig struct {
	RSIWeight      float64 `mapstructure:"rsi_weight"`
	MAWeight       float64 `mapstructure:"ma_weight"`
	BreakoutWeight float64 `mapstructure:"breakout_weight"`
	VolumeBoost    float64 `mapstructure:"volume_boost"` // fraction of remaining headroom
}

// SchedulerConfig holds polling cadence and instrument configuration
type SchedulerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	Instruments        []string      `mapstructure:"instruments"`
	Discover           bool          `mapstructure:"discover"` // seed from the exchange's USDT swap list
	MaxDiscovered      int           `mapstructure:"max_discovered"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	AlertAfterFailures int           `mapstructure:"alert_after_failures"`
	QueueSize          int           `mapstructure:"queue_size"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MainChatID     string        `mapstructure:"main_chat_id"`   // EXTREME and HIGH signals
	DetailChatID   string        `mapstructure:"detail_chat_id"` // MEDIUM signals
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// RedisConfig holds the signal stream configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	MaxSignals int    `mapstructure:"max_signals"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TrackerConfig holds signal performance tracking configuration
type TrackerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ExpireAfter time.Duration `mapstructure:"expire_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var barDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1H":  time.Hour,
	"2H":  2 * time.Hour,
	"4H":  4 * time.Hour,
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("SIGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// OKX defaults
	v.SetDefault("okx.base_url", "https://www.okx.com")
	v.SetDefault("okx.bar", "1m")
	v.SetDefault("okx.history_limit", 100)
	v.SetDefault("okx.swap", true)
	v.SetDefault("okx.confirmed_only", false)
	v.SetDefault("okx.timeout", "10s")
	v.SetDefault("okx.max_retries", 3)
	v.SetDefault("okx.retry_base_delay", "1s")
	v.SetDefault("okx.rate_limit", 10.0)
	v.SetDefault("okx.rate_burst", 20)

	// Indicator defaults (high-frequency parameter set)
	v.SetDefault("indicators.rsi_period", 9)
	v.SetDefault("indicators.rsi_oversold", 20.0)
	v.SetDefault("indicators.rsi_overbought", 80.0)
	v.SetDefault("indicators.ma_short", 7)
	v.SetDefault("indicators.ma_long", 30)
	v.SetDefault("indicators.macd_fast", 5)
	v.SetDefault("indicators.macd_slow", 13)
	v.SetDefault("indicators.macd_signal", 6)
	v.SetDefault("indicators.bollinger_period", 14)
	v.SetDefault("indicators.bollinger_std", 1.5)
	v.SetDefault("indicators.volume_sma_period", 14)
	v.SetDefault("indicators.volume_multiplier", 2.0)

	// Scoring defaults
	v.SetDefault("scoring.rsi_weight", 0.55)
	v.SetDefault("scoring.ma_weight", 0.25)
	v.SetDefault("scoring.breakout_weight", 0.20)
	v.SetDefault("scoring.volume_boost", 0.15)

	// Scheduler defaults
	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.instruments", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("scheduler.discover", false)
	v.SetDefault("scheduler.max_discovered", 50)
	v.SetDefault("scheduler.max_concurrency", 5)
	v.SetDefault("scheduler.sync_interval", "30s")
	v.SetDefault("scheduler.alert_after_failures", 5)
	v.SetDefault("scheduler.queue_size", 256)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.main_chat_id", "")
	v.SetDefault("telegram.detail_chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "sigwatch:signals")
	v.SetDefault("redis.max_len", 10000)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/sigwatch.db")
	v.SetDefault("storage.max_signals", 5000)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	// Tracker defaults
	v.SetDefault("tracker.enabled", true)
	v.SetDefault("tracker.expire_after", "15m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validThreshold(v float64) bool { return v > 0 && v < 100 }

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate OKX config
	if c.OKX.BaseURL == "" {
		return invalid("okx.base_url is required")
	}
	if _, ok := barDurations[c.OKX.Bar]; !ok {
		return invalid("okx.bar %q is not supported", c.OKX.Bar)
	}
	if c.OKX.HistoryLimit < 2 || c.OKX.HistoryLimit > okx.MaxCandles {
		return invalid("okx.history_limit must be between 2 and %d", okx.MaxCandles)
	}
	if c.OKX.Timeout <= 0 {
		return invalid("okx.timeout must be positive")
	}
	if c.OKX.MaxRetries < 0 {
		return invalid("okx.max_retries must not be negative")
	}
	if c.OKX.RateLimit <= 0 || c.OKX.RateBurst < 1 {
		return invalid("okx.rate_limit and okx.rate_burst must be positive")
	}

	// Validate indicator config
	ind := c.Indicators
	periods := []struct {
		name  string
		value int
	}{
		{"rsi_period", ind.RSIPeriod},
		{"ma_short", ind.MAShort},
		{"ma_long", ind.MALong},
		{"macd_fast", ind.MACDFast},
		{"macd_slow", ind.MACDSlow},
		{"macd_signal", ind.MACDSignal},
		{"bollinger_period", ind.BollingerPeriod},
		{"volume_sma_period", ind.VolumeSMAPeriod},
	}
	for _, p := range periods {
		if p.value < 1 {
			return invalid("indicators.%s must be a positive integer", p.name)
		}
	}
	if !validThreshold(ind.RSIOversold) || !validThreshold(ind.RSIOverbought) {
		return invalid("indicators.rsi_oversold and rsi_overbought must be in (0, 100)")
	}
	if ind.RSIOversold >= ind.RSIOverbought {
		return invalid("indicators.rsi_oversold must be below rsi_overbought")
	}
	if ind.MAShort >= ind.MALong {
		return invalid("indicators.ma_short must be less than ma_long")
	}
	if ind.MACDFast >= ind.MACDSlow {
		return invalid("indicators.macd_fast must be less than macd_slow")
	}
	if ind.BollingerPeriod < 2 {
		return invalid("indicators.bollinger_period must be at least 2")
	}
	if ind.BollingerStd <= 0 {
		return invalid("indicators.bollinger_std must be positive")
	}
	if ind.VolumeMultiplier <= 0 {
		return invalid("indicators.volume_multiplier must be positive")
	}
	// One candles request must cover the longest period plus the previous bar.
	if need := c.IndicatorParams().Lookback() + 1; need > okx.MaxCandles {
		return invalid("indicator periods need %d bars but one fetch returns at most %d", need, okx.MaxCandles)
	}

	// Validate scoring config
	sc := c.Scoring
	for name, w := range map[string]float64{
		"rsi_weight":      sc.RSIWeight,
		"ma_weight":       sc.MAWeight,
		"breakout_weight": sc.BreakoutWeight,
		"volume_boost":    sc.VolumeBoost,
	} {
		if w <= 0 || w > 1 {
			return invalid("scoring.%s must be in (0, 1]", name)
		}
	}
	if sc.RSIWeight+sc.MAWeight+sc.BreakoutWeight > 1.0+1e-9 {
		return invalid("scoring weights must not sum above 1.0")
	}

	// Validate scheduler config
	if c.Scheduler.Interval <= 0 {
		return invalid("scheduler.interval must be positive")
	}
	if len(c.Scheduler.Instruments) == 0 {
		return invalid("scheduler.instruments must contain at least one instrument")
	}
	for _, inst := range c.Scheduler.Instruments {
		if _, err := models.NormalizeInstrument(inst); err != nil {
			return invalid("scheduler.instruments: %v", err)
		}
	}
	if c.Scheduler.Discover && c.Scheduler.MaxDiscovered < 1 {
		return invalid("scheduler.max_discovered must be at least 1 when discovery is enabled")
	}
	if c.Scheduler.MaxConcurrency < 1 {
		return invalid("scheduler.max_concurrency must be at least 1")
	}
	if c.Scheduler.SyncInterval <= 0 {
		return invalid("scheduler.sync_interval must be positive")
	}
	if c.Scheduler.AlertAfterFailures < 1 {
		return invalid("scheduler.alert_after_failures must be at least 1")
	}
	if c.Scheduler.QueueSize < 1 {
		return invalid("scheduler.queue_size must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return invalid("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return invalid("telegram.chat_id is required when telegram is enabled")
		}
		for name, id := range map[string]string{
			"chat_id":        c.Telegram.ChatID,
			"main_chat_id":   c.Telegram.MainChatID,
			"detail_chat_id": c.Telegram.DetailChatID,
		} {
			if _, err := strconv.ParseInt(id, 10, 64); id != "" && err != nil {
				return invalid("telegram.%s must be a numeric chat id", name)
			}
		}
	}

	// Validate Redis config
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return invalid("redis.addr is required when redis is enabled")
		}
		if c.Redis.Stream == "" {
			return invalid("redis.stream is required when redis is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return invalid("storage.db_path is required")
	}
	if c.Storage.MaxSignals < 1 {
		return invalid("storage.max_signals must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}

	if c.Tracker.Enabled && c.Tracker.ExpireAfter <= 0 {
		return invalid("tracker.expire_after must be positive")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return invalid("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return invalid("logging.format must be one of: json, text")
	}

	return nil
}

// BarDuration returns the candle resolution. Only valid after Validate.
func (c *Config) BarDuration() time.Duration {
	return barDurations[c.OKX.Bar]
}

// InstrumentList returns the configured instruments in canonical form.
func (c *Config) InstrumentList() []string {
	seen := make(map[string]bool, len(c.Scheduler.Instruments))
	out := make([]string, 0, len(c.Scheduler.Instruments))
	for _, raw := range c.Scheduler.Instruments {
		inst, err := models.NormalizeInstrument(raw)
		if err != nil || seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	return out
}

// IndicatorParams builds the indicator engine parameters.
func (c *Config) IndicatorParams() indicator.Params {
	ind := c.Indicators
	return indicator.Params{
		RSIPeriod:        ind.RSIPeriod,
		RSIOversold:      ind.RSIOversold,
		RSIOverbought:    ind.RSIOverbought,
		MAShort:          ind.MAShort,
		MALong:           ind.MALong,
		MACDFast:         ind.MACDFast,
		MACDSlow:         ind.MACDSlow,
		MACDSignal:       ind.MACDSignal,
		BollingerPeriod:  ind.BollingerPeriod,
		BollingerStd:     ind.BollingerStd,
		VolumeSMAPeriod:  ind.VolumeSMAPeriod,
		VolumeMultiplier: ind.VolumeMultiplier,
		BarInterval:      c.BarDuration(),
	}
}

// ScoreWeights builds the confidence scorer weights.
func (c *Config) ScoreWeights() monitor.Weights {
	return monitor.Weights{
		RSI:         c.Scoring.RSIWeight,
		MA:          c.Scoring.MAWeight,
		Breakout:    c.Scoring.BreakoutWeight,
		VolumeBoost: c.Scoring.VolumeBoost,
	}
}
