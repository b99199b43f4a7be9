package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Trader     TraderConfig     `yaml:"trader"`
	Account    AccountConfig    `yaml:"account"`
	Network    NetworkConfig    `yaml:"network"`
	Local      LocalConfig      `yaml:"local"`
	Rest       RestConfig       `yaml:"rest"`
	Market     MarketConfig     `yaml:"market"`
	ListenKey  ListenKeyConfig  `yaml:"listen_key"`
	Engine     EngineConfig     `yaml:"engine"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

type TraderConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// AccountConfig carries the credentials. Signed calls use the Ed25519 PEM
// key when present and fall back to HMAC with APISecret.
type AccountConfig struct {
	Margin         bool   `yaml:"margin"`
	APIKey         string `yaml:"api_key"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
	APISecret      string `yaml:"api_secret"`
}

type NetworkConfig struct {
	Environment string `yaml:"environment"`
}

type LocalConfig struct {
	BindIP string `yaml:"bind_ip"`
	LogDir string `yaml:"log_dir"`
}

type RestConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RecvWindow        time.Duration `yaml:"recv_window"`
}

type MarketConfig struct {
	Streams          []string      `yaml:"streams"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	MaxMalformed     int           `yaml:"max_malformed"`
}

type ListenKeyConfig struct {
	RenewInterval time.Duration `yaml:"renew_interval"`
	Expiry        time.Duration `yaml:"expiry"`
	RenewRetries  int           `yaml:"renew_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type EngineConfig struct {
	Symbols        []string      `yaml:"symbols"`
	OrderAttempts  int           `yaml:"order_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type SupervisorConfig struct {
	Policy        string        `yaml:"policy"`
	MaxRestarts   int           `yaml:"max_restarts"`
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type ChannelsConfig struct {
	MarketBuffer  int `yaml:"market_buffer"`
	AccountBuffer int `yaml:"account_buffer"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// DashboardConfig controls the HTTP status server.
type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	SampleHistory  int           `yaml:"sample_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

const (
	PolicyFailFast = "fail_fast"
	PolicyRestart  = "restart"
)

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Network: NetworkConfig{Environment: EnvironmentSandbox},
		Local:   LocalConfig{LogDir: "log"},
		Rest: RestConfig{
			Timeout:           3000 * time.Millisecond,
			RequestsPerSecond: 10,
			Burst:             5,
			RecvWindow:        5 * time.Second,
		},
		Market: MarketConfig{
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      5 * time.Minute,
			MaxMalformed:     5,
		},
		ListenKey: ListenKeyConfig{
			RenewInterval: 30 * time.Minute,
			Expiry:        60 * time.Minute,
			RenewRetries:  3,
			RetryDelay:    2 * time.Second,
		},
		Engine: EngineConfig{
			OrderAttempts:  3,
			RetryBaseDelay: 200 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Policy:        PolicyFailFast,
			MaxRestarts:   10,
			BackoffMin:    time.Second,
			BackoffMax:    time.Minute,
			BackoffFactor: 2,
			ShutdownGrace: 5 * time.Second,
		},
		Channels: ChannelsConfig{MarketBuffer: 1024, AccountBuffer: 256},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:2112"},
		Dashboard: DashboardConfig{
			Address:        "127.0.0.1:8080",
			LogHistory:     200,
			SampleHistory:  120,
			SampleInterval: 5 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if config.Account.PrivateKey == "" && config.Account.PrivateKeyPath != "" {
		pem, err := os.ReadFile(config.Account.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read account.private_key_path: %w", err)
		}
		config.Account.PrivateKey = string(pem)
	}

	env, err := normalizeEnvironment(config.Network.Environment)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	config.Network.Environment = env

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Account.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Account.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_PRIVATE_KEY"); v != "" {
		config.Account.PrivateKey = v
	}
	if v := os.Getenv("BINANCE_PRIVATE_KEY_PATH"); v != "" {
		config.Account.PrivateKeyPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.CloudWatch.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv(networkEnvVar); v != "" {
		config.Network.Environment = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Trader.Name == "" {
		return fmt.Errorf("trader.name is required")
	}

	if cfg.Account.APIKey == "" {
		return fmt.Errorf("account.api_key is required")
	}
	if cfg.Account.PrivateKey == "" && cfg.Account.APISecret == "" {
		return fmt.Errorf("account.private_key, account.private_key_path or account.api_secret is required")
	}

	if cfg.Local.BindIP != "" && net.ParseIP(cfg.Local.BindIP) == nil {
		return fmt.Errorf("local.bind_ip '%s' is not an IP address", cfg.Local.BindIP)
	}

	if cfg.Rest.Timeout <= 0 {
		return fmt.Errorf("rest.timeout must be greater than 0")
	}
	if cfg.Rest.RequestsPerSecond <= 0 {
		return fmt.Errorf("rest.requests_per_second must be greater than 0")
	}
	if cfg.Rest.Burst <= 0 {
		return fmt.Errorf("rest.burst must be greater than 0")
	}

	if len(cfg.Market.Streams) == 0 {
		return fmt.Errorf("market.streams must list at least one stream")
	}
	if cfg.Market.HandshakeTimeout <= 0 {
		return fmt.Errorf("market.handshake_timeout must be greater than 0")
	}
	if cfg.Market.ReadTimeout <= 0 {
		return fmt.Errorf("market.read_timeout must be greater than 0")
	}

	if cfg.ListenKey.RenewInterval <= 0 || cfg.ListenKey.Expiry <= 0 {
		return fmt.Errorf("listen_key.renew_interval and listen_key.expiry must be greater than 0")
	}
	if cfg.ListenKey.RenewInterval*2 > cfg.ListenKey.Expiry {
		return fmt.Errorf("listen_key.renew_interval must be at most half of listen_key.expiry")
	}
	if cfg.ListenKey.RenewRetries < 0 {
		return fmt.Errorf("listen_key.renew_retries must not be negative")
	}

	if cfg.Engine.OrderAttempts <= 0 {
		return fmt.Errorf("engine.order_attempts must be greater than 0")
	}

	switch cfg.Supervisor.Policy {
	case PolicyFailFast, PolicyRestart:
	default:
		return fmt.Errorf("supervisor.policy '%s' is invalid", cfg.Supervisor.Policy)
	}
	if cfg.Supervisor.ShutdownGrace <= 0 {
		return fmt.Errorf("supervisor.shutdown_grace must be greater than 0")
	}

	if cfg.Channels.MarketBuffer <= 0 || cfg.Channels.AccountBuffer <= 0 {
		return fmt.Errorf("channels.market_buffer and channels.account_buffer must be greater than 0")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.LogHistory <= 0 || cfg.Dashboard.SampleHistory <= 0 {
			return fmt.Errorf("dashboard.log_history and dashboard.sample_history must be greater than 0")
		}
		if cfg.Dashboard.SampleInterval <= 0 {
			return fmt.Errorf("dashboard.sample_interval must be greater than 0")
		}
	}

	return nil
}
