package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gregtusar/roundboard/pkg/feed"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/gregtusar/roundboard/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RoundAPI    RoundAPIConfig    `mapstructure:"round_api"`
	Feeds       FeedsConfig       `mapstructure:"feeds"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	GCP         GCPConfig         `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RoundAPIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`

	AuthType      string `mapstructure:"auth_type"`       // "none" or "jwt"
	APIKeyName    string `mapstructure:"api_key_name"`    // JWT sub/kid
	PrivateKeyPEM string `mapstructure:"private_key_pem"` // EC private key in PEM format
}

type FeedConfig struct {
	URL       string `mapstructure:"url"`
	Subscribe string `mapstructure:"subscribe"`
}

type FeedsConfig struct {
	Crypto FeedConfig `mapstructure:"crypto"`
	NSE    FeedConfig `mapstructure:"nse"`
	USA    FeedConfig `mapstructure:"usa"`
	MCX    FeedConfig `mapstructure:"mcx"`
	COMEX  FeedConfig `mapstructure:"comex"`

	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	BufferSize       int           `mapstructure:"buffer_size"`
}

type LeaderboardConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	FollowRetry      time.Duration `mapstructure:"follow_retry"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/roundboard")
	}

	v.SetEnvPrefix("ROUNDBOARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		if err := loadSecretsFromGCP(context.Background(), &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("round_api.base_url", "http://localhost:9000/api")
	v.SetDefault("round_api.timeout", 10*time.Second)
	v.SetDefault("round_api.rate_limit", 5.0)
	v.SetDefault("round_api.burst", 5)
	v.SetDefault("round_api.auth_type", "none")

	v.SetDefault("feeds.reconnect_delay", 3*time.Second)
	v.SetDefault("feeds.max_reconnects", 0)
	v.SetDefault("feeds.handshake_timeout", 10*time.Second)
	v.SetDefault("feeds.ping_interval", 30*time.Second)
	v.SetDefault("feeds.buffer_size", 1024)

	v.SetDefault("leaderboard.snapshot_interval", 500*time.Millisecond)
	v.SetDefault("leaderboard.follow_retry", 2*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 2*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.round_api_key_name", secretNames.RoundAPIKeyName)
	v.SetDefault("gcp.secret_names.round_api_private_key", secretNames.RoundAPIPrivateKey)
	v.SetDefault("gcp.secret_names.redis_password", secretNames.RedisPassword)
}

func overrideFromEnv(config *Config) {
	for env, target := range map[string]*string{
		"FEED_CRYPTO_URL": &config.Feeds.Crypto.URL,
		"FEED_NSE_URL":    &config.Feeds.NSE.URL,
		"FEED_USA_URL":    &config.Feeds.USA.URL,
		"FEED_MCX_URL":    &config.Feeds.MCX.URL,
		"FEED_COMEX_URL":  &config.Feeds.COMEX.URL,
	} {
		if url := os.Getenv(env); url != "" {
			*target = url
		}
	}

	if baseURL := os.Getenv("ROUND_API_BASE_URL"); baseURL != "" {
		config.RoundAPI.BaseURL = baseURL
	}
	if authType := os.Getenv("ROUND_API_AUTH_TYPE"); authType != "" {
		config.RoundAPI.AuthType = authType
	}
	if keyName := os.Getenv("ROUND_API_KEY_NAME"); keyName != "" {
		config.RoundAPI.APIKeyName = keyName
	}
	if privateKey := os.Getenv("ROUND_API_PRIVATE_KEY"); privateKey != "" {
		config.RoundAPI.PrivateKeyPEM = privateKey
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	if config.RoundAPI.APIKeyName == "" {
		config.RoundAPI.APIKeyName = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.RoundAPIKeyName, "")
	}
	if config.RoundAPI.PrivateKeyPEM == "" {
		config.RoundAPI.PrivateKeyPEM = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.RoundAPIPrivateKey, "")
	}
	if config.Redis.Password == "" {
		config.Redis.Password = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.RedisPassword, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.RoundAPI.AuthType {
	case "none", "":
	case "jwt":
		if c.RoundAPI.APIKeyName == "" || c.RoundAPI.PrivateKeyPEM == "" {
			return fmt.Errorf("round_api.auth_type jwt requires api_key_name and private_key_pem")
		}
	default:
		return fmt.Errorf("invalid round_api.auth_type %q", c.RoundAPI.AuthType)
	}
	if c.Leaderboard.SnapshotInterval <= 0 {
		return fmt.Errorf("leaderboard.snapshot_interval must be positive")
	}
	if c.Feeds.ReconnectDelay <= 0 {
		return fmt.Errorf("feeds.reconnect_delay must be positive")
	}
	if c.Feeds.MaxReconnects < 0 {
		return fmt.Errorf("feeds.max_reconnects must not be negative")
	}
	return nil
}

func (f FeedsConfig) byMarket() map[models.MarketType]FeedConfig {
	return map[models.MarketType]FeedConfig{
		models.MarketTypeCrypto:    f.Crypto,
		models.MarketTypeNSE:       f.NSE,
		models.MarketTypeUSAMarket: f.USA,
		models.MarketTypeMCX:       f.MCX,
		models.MarketTypeCOMEX:     f.COMEX,
	}
}

// PoolConfig builds the per-round feed pool settings.
func (f FeedsConfig) PoolConfig() feed.PoolConfig {
	cfg := feed.DefaultPoolConfig()
	for m, fc := range f.byMarket() {
		if fc.URL != "" {
			cfg.URLs[m] = fc.URL
		}
		if fc.Subscribe != "" {
			cfg.Subscribe[m] = fc.Subscribe
		}
	}
	cfg.ReconnectDelay = f.ReconnectDelay
	cfg.MaxReconnects = f.MaxReconnects
	cfg.HandshakeTimeout = f.HandshakeTimeout
	cfg.PingInterval = f.PingInterval
	if f.BufferSize > 0 {
		cfg.BufferSize = f.BufferSize
	}
	return cfg
}
