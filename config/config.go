package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned when no Polygon credential was supplied.
var ErrMissingAPIKey = errors.New("POLYGON_API_KEY is required")

const (
	SinkPostgres = "postgres"
	SinkS3       = "s3"
	SinkKafka    = "kafka"
	SinkFile     = "file"
)

type Config struct {
	SnowPulse SnowPulseConfig `yaml:"snowpulse"`
	Polygon   PolygonConfig   `yaml:"polygon"`
	Tickers   []string        `yaml:"tickers"`
	Pollers   PollersConfig   `yaml:"pollers"`
	Sink      SinkConfig      `yaml:"sink"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type SnowPulseConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PolygonConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

// CallDelay is the fixed gap enforced between two outbound calls.
func (p PolygonConfig) CallDelay() time.Duration {
	if p.RequestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(p.RequestsPerMinute)
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type PollersConfig struct {
	Historical HistoricalConfig `yaml:"historical"`
	Aggregate  AggregateConfig  `yaml:"aggregate"`
	News       NewsConfig       `yaml:"news"`
}

// ChannelConfig names the raw table a poller appends to and its channel.
type ChannelConfig struct {
	Client  string `yaml:"client"`
	Table   string `yaml:"table"`
	Channel string `yaml:"channel"`
}

type HistoricalConfig struct {
	Enabled      bool          `yaml:"enabled"`
	LookbackDays int           `yaml:"lookback_days"`
	Park         time.Duration `yaml:"park"`
	Sink         ChannelConfig `yaml:"sink"`
}

type AggregateConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Sink     ChannelConfig `yaml:"sink"`
}

type NewsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
	SeenCap  int           `yaml:"seen_cap"`
	SeenKeep int           `yaml:"seen_keep"`
	Sink     ChannelConfig `yaml:"sink"`
}

type SinkConfig struct {
	Type          string         `yaml:"type"`
	AppendTimeout time.Duration  `yaml:"append_timeout"`
	Postgres      PostgresConfig `yaml:"postgres"`
	S3            S3Config       `yaml:"s3"`
	Kafka         KafkaConfig    `yaml:"kafka"`
	File          FileConfig     `yaml:"file"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Schema   string `yaml:"schema"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Format          string `yaml:"format"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

type FileConfig struct {
	Dir string `yaml:"dir"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// Default returns the configuration used when a key is absent from the file.
// The values mirror the Polygon free tier: 5 calls per minute.
func Default() Config {
	return Config{
		SnowPulse: SnowPulseConfig{Name: "snowpulse", Version: "dev"},
		Polygon: PolygonConfig{
			BaseURL:           "https://api.polygon.io",
			RequestsPerMinute: 5,
			Timeout:           15 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 1,
				BaseDelay:   2 * time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
		Tickers: []string{"AAPL", "MSFT", "GOOGL", "AMZN", "TSLA", "NVDA", "META"},
		Pollers: PollersConfig{
			Historical: HistoricalConfig{
				Enabled:      true,
				LookbackDays: 30,
				Park:         time.Hour,
				Sink:         ChannelConfig{Client: "trades_client", Table: "RAW_TRADES", Channel: "trades_channel"},
			},
			Aggregate: AggregateConfig{
				Enabled:  true,
				Interval: 60 * time.Second,
				Sink:     ChannelConfig{Client: "agg_client", Table: "RAW_AGGREGATES", Channel: "agg_channel"},
			},
			News: NewsConfig{
				Enabled:  true,
				Interval: 300 * time.Second,
				Limit:    50,
				SeenCap:  5000,
				SeenKeep: 2500,
				Sink:     ChannelConfig{Client: "news_client", Table: "RAW_NEWS", Channel: "news_channel"},
			},
		},
		Sink: SinkConfig{
			Type:          SinkFile,
			AppendTimeout: 30 * time.Second,
			Postgres:      PostgresConfig{Schema: "raw", MaxConns: 4, Migrate: true},
			S3:            S3Config{Format: "json", Compression: "snappy", Prefix: "snowpulse"},
			Kafka:         KafkaConfig{TopicPrefix: "snowpulse."},
			File:          FileConfig{Dir: "data"},
		},
		Shutdown: ShutdownConfig{Timeout: 30 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		config.Polygon.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		config.Polygon.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SNOWPULSE_TICKERS"); v != "" {
		config.Tickers = splitList(v)
	}
	if v := os.Getenv("SNOWPULSE_SINK"); v != "" {
		config.Sink.Type = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Sink.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Sink.Kafka.Brokers = splitList(v)
	}

	if config.Sink.Type == SinkS3 {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sink.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sink.S3.Bucket = strings.TrimSpace(config.Sink.S3.Bucket)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Polygon.APIKey == "" {
		return ErrMissingAPIKey
	}
	if cfg.Polygon.BaseURL == "" {
		return fmt.Errorf("polygon.base_url is required")
	}
	if cfg.Polygon.RequestsPerMinute <= 0 {
		return fmt.Errorf("polygon.requests_per_minute must be greater than 0")
	}
	if cfg.Polygon.Timeout <= 0 {
		return fmt.Errorf("polygon.timeout must be greater than 0")
	}
	if cfg.Polygon.Retry.MaxAttempts < 1 {
		return fmt.Errorf("polygon.retry.max_attempts must be at least 1")
	}
	if len(cfg.Tickers) == 0 {
		return fmt.Errorf("tickers must not be empty")
	}

	p := cfg.Pollers
	if !p.Historical.Enabled && !p.Aggregate.Enabled && !p.News.Enabled {
		return fmt.Errorf("at least one poller must be enabled")
	}
	if p.Historical.Enabled {
		if p.Historical.LookbackDays <= 0 {
			return fmt.Errorf("pollers.historical.lookback_days must be greater than 0")
		}
		if err := validateChannel("pollers.historical.sink", p.Historical.Sink); err != nil {
			return err
		}
	}
	if p.Aggregate.Enabled {
		if p.Aggregate.Interval <= 0 {
			return fmt.Errorf("pollers.aggregate.interval must be greater than 0")
		}
		if err := validateChannel("pollers.aggregate.sink", p.Aggregate.Sink); err != nil {
			return err
		}
	}
	if p.News.Enabled {
		if p.News.Interval <= 0 {
			return fmt.Errorf("pollers.news.interval must be greater than 0")
		}
		if p.News.SeenKeep <= 0 || p.News.SeenCap < p.News.SeenKeep {
			return fmt.Errorf("pollers.news.seen_cap must be >= seen_keep > 0")
		}
		if err := validateChannel("pollers.news.sink", p.News.Sink); err != nil {
			return err
		}
	}

	if cfg.Sink.AppendTimeout <= 0 {
		return fmt.Errorf("sink.append_timeout must be greater than 0")
	}
	switch cfg.Sink.Type {
	case SinkPostgres:
		if cfg.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required when sink.type is postgres")
		}
	case SinkS3:
		s3 := cfg.Sink.S3
		if s3.Region == "" {
			return fmt.Errorf("sink.s3.region is required when sink.type is s3")
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("sink.s3.bucket '%s' is invalid", s3.Bucket)
		}
		if s3.Format != "json" && s3.Format != "parquet" {
			return fmt.Errorf("sink.s3.format must be json or parquet")
		}
	case SinkKafka:
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required when sink.type is kafka")
		}
	case SinkFile:
		if cfg.Sink.File.Dir == "" {
			return fmt.Errorf("sink.file.dir is required when sink.type is file")
		}
		if IsProductionLike(AppEnvironment()) {
			return fmt.Errorf("sink.type file is not allowed in %s", AppEnvironment())
		}
	default:
		return fmt.Errorf("unknown sink.type '%s'", cfg.Sink.Type)
	}

	if cfg.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be greater than 0")
	}
	return nil
}

var tableNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateChannel(key string, ch ChannelConfig) error {
	if !tableNameRegexp.MatchString(ch.Table) {
		return fmt.Errorf("%s.table '%s' is invalid", key, ch.Table)
	}
	if ch.Channel == "" {
		return fmt.Errorf("%s.channel is required", key)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
