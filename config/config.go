package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultWebSocketURL = "wss://api.upbit.com/websocket/v1"
	defaultRestURL      = "https://api.upbit.com"
)

type Config struct {
	Relay      RelayConfig      `yaml:"marketrelay"`
	Logging    LoggingConfig    `yaml:"logging"`
	Upbit      UpbitConfig      `yaml:"upbit"`
	Registry   RegistryConfig   `yaml:"registry"`
	Feed       FeedConfig       `yaml:"feed"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Indicator  IndicatorConfig  `yaml:"indicator"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Storage    StorageConfig    `yaml:"storage"`
}

type RelayConfig struct {
	Name                string        `yaml:"name"`
	Version             string        `yaml:"version"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type UpbitConfig struct {
	WebSocketURL     string          `yaml:"websocket_url"`
	RestURL          string          `yaml:"rest_url"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration   `yaml:"read_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	RequestTimeout   time.Duration   `yaml:"request_timeout"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	QuoteFilter     []string      `yaml:"quote_filter"`
}

type FeedConfig struct {
	Domains        []string      `yaml:"domains"`
	IsOnlyRealtime bool          `yaml:"is_only_realtime"`
	IsOnlySnapshot bool          `yaml:"is_only_snapshot"`
	RawBuffer      int           `yaml:"raw_buffer"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type FallbackConfig struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	SignalBuffer       int           `yaml:"signal_buffer"`
}

type BroadcastConfig struct {
	Shards         int `yaml:"shards"`
	ShardBuffer    int `yaml:"shard_buffer"`
	ListenerBuffer int `yaml:"listener_buffer"`
}

type IndicatorConfig struct {
	LiquidityDepthScale float64 `yaml:"liquidity_depth_scale"`
}

type GatewayConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Address          string        `yaml:"address"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	History          int           `yaml:"history"`
	ResourceInterval time.Duration `yaml:"resource_interval"`
}

type MetricsConfig struct {
	Prometheus     bool             `yaml:"prometheus"`
	ChannelSize    bool             `yaml:"channel_size"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Prefix   string        `yaml:"prefix"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Buffer       int           `yaml:"buffer"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns the configuration used for any key the YAML file omits.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Name:                "marketrelay",
			Version:             "dev",
			ShutdownGracePeriod: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Upbit: UpbitConfig{
			WebSocketURL:     defaultWebSocketURL,
			RestURL:          defaultRestURL,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      60 * time.Second,
			PingInterval:     30 * time.Second,
			RequestTimeout:   5 * time.Second,
			RateLimit:        RateLimitConfig{RequestsPerSecond: 8, BurstSize: 8},
		},
		Registry: RegistryConfig{RefreshInterval: 6 * time.Hour},
		Feed: FeedConfig{
			Domains:   []string{"ticker", "trade", "orderbook"},
			RawBuffer: 4096,
			Backoff:   BackoffConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		},
		Fallback: FallbackConfig{
			StalenessThreshold: 5 * time.Second,
			CheckInterval:      time.Second,
			PollInterval:       3 * time.Second,
			PollTimeout:        10 * time.Second,
			MaxConcurrency:     4,
			SignalBuffer:       4,
		},
		Broadcast: BroadcastConfig{Shards: 8, ShardBuffer: 1024, ListenerBuffer: 64},
		Indicator: IndicatorConfig{LiquidityDepthScale: 100},
		Gateway: GatewayConfig{
			Address:          ":8080",
			WriteTimeout:     5 * time.Second,
			ShutdownTimeout:  5 * time.Second,
			History:          200,
			ResourceInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus:     true,
			ChannelSize:    true,
			ReportInterval: 30 * time.Second,
			CloudWatch:     CloudWatchConfig{Namespace: "MarketRelay"},
		},
		Checkpoint: CheckpointConfig{Interval: 5 * time.Minute, Prefix: "checkpoints"},
		Storage: StorageConfig{
			Kafka: KafkaConfig{
				Topic:        "marketrelay.updates",
				Buffer:       4096,
				BatchSize:    100,
				BatchTimeout: time.Second,
			},
		},
	}
}

// LoadConfig reads path (or its APP_ENV specific variant), layers it over
// Default, applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	path, err := envConfigPath(path, defaultConfigPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// envOverrides are the environment variables that take precedence over the
// YAML file. Unset variables leave the file value untouched.
type envOverrides struct {
	UpbitWSURL         string        `envconfig:"UPBIT_WS_URL"`
	UpbitRestURL       string        `envconfig:"UPBIT_REST_URL"`
	GatewayAddress     string        `envconfig:"GATEWAY_ADDRESS"`
	StalenessThreshold time.Duration `envconfig:"FALLBACK_STALENESS_THRESHOLD"`
	AWSAccessKeyID     string        `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string        `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string        `envconfig:"AWS_REGION"`
	S3Bucket           string        `envconfig:"S3_BUCKET"`
	KafkaBrokers       []string      `envconfig:"KAFKA_BROKERS"`
}

func applyEnvOverrides(config *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return err
	}

	if v := strings.TrimSpace(env.UpbitWSURL); v != "" {
		config.Upbit.WebSocketURL = v
	}
	if v := strings.TrimSpace(env.UpbitRestURL); v != "" {
		config.Upbit.RestURL = v
	}
	if v := strings.TrimSpace(env.GatewayAddress); v != "" {
		config.Gateway.Address = v
	}
	if env.StalenessThreshold > 0 {
		config.Fallback.StalenessThreshold = env.StalenessThreshold
	}

	if config.Checkpoint.Enabled || config.Metrics.CloudWatch.Enabled {
		if v := strings.TrimSpace(env.AWSAccessKeyID); v != "" {
			config.Storage.S3.AccessKeyID = v
		}
		if v := strings.TrimSpace(env.AWSSecretAccessKey); v != "" {
			config.Storage.S3.SecretAccessKey = v
		}
		if v := strings.TrimSpace(env.AWSRegion); v != "" {
			config.Storage.S3.Region = v
			if config.Metrics.CloudWatch.Region == "" {
				config.Metrics.CloudWatch.Region = v
			}
		}
		if v := strings.TrimSpace(env.S3Bucket); v != "" {
			config.Storage.S3.Bucket = v
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if len(env.KafkaBrokers) > 0 {
		config.Storage.Kafka.Brokers = env.KafkaBrokers
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Relay.Name == "" {
		return fmt.Errorf("marketrelay.name is required")
	}
	if cfg.Upbit.WebSocketURL == "" {
		return fmt.Errorf("upbit.websocket_url is required")
	}
	if cfg.Upbit.RestURL == "" {
		return fmt.Errorf("upbit.rest_url is required")
	}
	if cfg.Upbit.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("upbit.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be greater than 0")
	}

	if len(cfg.Feed.Domains) == 0 {
		return fmt.Errorf("feed.domains must list at least one domain")
	}
	for _, d := range cfg.Feed.Domains {
		switch strings.ToLower(d) {
		case "ticker", "trade", "orderbook":
		default:
			return fmt.Errorf("feed.domains: unknown domain %q", d)
		}
	}
	if cfg.Feed.RawBuffer <= 0 {
		return fmt.Errorf("feed.raw_buffer must be greater than 0")
	}
	if cfg.Feed.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("feed.backoff.base_delay must be greater than 0")
	}
	if cfg.Feed.Backoff.MaxDelay < cfg.Feed.Backoff.BaseDelay {
		return fmt.Errorf("feed.backoff.max_delay must not be below base_delay")
	}

	if cfg.Fallback.StalenessThreshold <= 0 {
		return fmt.Errorf("fallback.staleness_threshold must be greater than 0")
	}
	if cfg.Fallback.CheckInterval <= 0 {
		return fmt.Errorf("fallback.check_interval must be greater than 0")
	}
	if cfg.Fallback.PollInterval <= 0 {
		return fmt.Errorf("fallback.poll_interval must be greater than 0")
	}
	if cfg.Fallback.PollTimeout <= 0 {
		return fmt.Errorf("fallback.poll_timeout must be greater than 0")
	}

	if cfg.Broadcast.Shards <= 0 {
		return fmt.Errorf("broadcast.shards must be greater than 0")
	}
	if cfg.Broadcast.ShardBuffer <= 0 || cfg.Broadcast.ListenerBuffer <= 0 {
		return fmt.Errorf("broadcast buffers must be greater than 0")
	}
	if cfg.Indicator.LiquidityDepthScale < 0 {
		return fmt.Errorf("indicator.liquidity_depth_scale must not be negative")
	}

	if cfg.Gateway.Enabled && cfg.Gateway.Address == "" {
		return fmt.Errorf("gateway.address is required when the gateway is enabled")
	}

	if cfg.Checkpoint.Enabled {
		if cfg.Checkpoint.Interval <= 0 {
			return fmt.Errorf("checkpoint.interval must be greater than 0")
		}
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when checkpoints are enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when checkpoints are enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka export is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka export is enabled")
		}
		if cfg.Storage.Kafka.Buffer <= 0 {
			return fmt.Errorf("storage.kafka.buffer must be greater than 0")
		}
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
