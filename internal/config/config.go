package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "BOOKMARKS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "bookmarks.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultSessionIssuer   = "bookmarks"
	defaultSessionTTL      = 24 * time.Hour
	defaultPrimaryProvider = "google"
	defaultFeedBufferSize  = 64
	defaultFeedPing        = 30 * time.Second
	defaultAPIURL          = "http://localhost:8080"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSecret     string
	SessionCookieName string
	SessionIssuer     string
	SessionTTL        time.Duration
	PrimaryProvider   string
	AllowedOrigins    []string
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	FeedBufferSize    int
	FeedPingInterval  time.Duration
}

// RedisEnabled reports whether the feed is shared through redis.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

// ClientConfig captures what the CLI needs to talk to a running API.
type ClientConfig struct {
	APIURL   string
	Token    string
	LogLevel string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.primary_provider", defaultPrimaryProvider)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("feed.buffer_size", defaultFeedBufferSize)
	configViper.SetDefault("feed.ping_interval", defaultFeedPing)
	configViper.SetDefault("client.api_url", defaultAPIURL)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSecret:     configViper.GetString("session.signing_secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionTTL:        configViper.GetDuration("session.ttl"),
		PrimaryProvider:   strings.TrimSpace(configViper.GetString("session.primary_provider")),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		FeedBufferSize:    configViper.GetInt("feed.buffer_size"),
		FeedPingInterval:  configViper.GetDuration("feed.ping_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.PrimaryProvider == "" {
		return fmt.Errorf("session.primary_provider is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.FeedBufferSize <= 0 {
		return fmt.Errorf("feed.buffer_size must be positive")
	}
	if c.FeedPingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be positive")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis.db must not be negative")
	}
	return nil
}

// LoadClient parses the CLI client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:   strings.TrimSpace(configViper.GetString("client.api_url")),
		Token:    strings.TrimSpace(configViper.GetString("client.token")),
		LogLevel: configViper.GetString("log.level"),
	}
	if cfg.APIURL == "" {
		return ClientConfig{}, fmt.Errorf("client.api_url is required")
	}
	if cfg.Token == "" {
		return ClientConfig{}, fmt.Errorf("client.token is required")
	}
	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
