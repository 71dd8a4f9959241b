package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ANNOHUB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "annohub.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultAuthIssuer        = "annohub-auth"
	defaultCookieName        = "annohub_session"
	defaultHeartbeatInterval = 15 * time.Second
	defaultIdleTimeout       = 45 * time.Second
	defaultLockLease         = 2 * time.Minute
	defaultSendQueue         = 64
	defaultMaxConnections    = 10000
	defaultMaxRooms          = 2000
	defaultMessageRate       = 50.0
	defaultMessageBurst      = 100
	defaultMaxMessageBytes   = 64 * 1024
	defaultRedisChannel      = "annohub:presence"
	defaultProfileRetention  = 90 * 24 * time.Hour
)

// AppConfig captures runtime configuration for the hub server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogEncoding    string
	DatabasePath   string

	// ProfileRetention prunes profiles not seen for this long at startup; zero keeps them.
	ProfileRetention time.Duration

	AuthRequired      bool
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	LockLease         time.Duration
	SendQueueSize     int
	MaxConnections    int
	MaxRooms          int
	MessageRate       float64
	MessageBurst      int
	MaxMessageBytes   int64

	RedisURL     string
	RedisChannel string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.profile_retention", defaultProfileRetention)
	configViper.SetDefault("auth.required", false)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("hub.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("hub.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("hub.lock_lease", defaultLockLease)
	configViper.SetDefault("hub.send_queue", defaultSendQueue)
	configViper.SetDefault("hub.max_connections", defaultMaxConnections)
	configViper.SetDefault("hub.max_rooms", defaultMaxRooms)
	configViper.SetDefault("hub.message_rate", defaultMessageRate)
	configViper.SetDefault("hub.message_burst", defaultMessageBurst)
	configViper.SetDefault("hub.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    parseOrigins(configViper.GetStringSlice("http.allowed_origins")),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		DatabasePath:      configViper.GetString("database.path"),
		ProfileRetention:  configViper.GetDuration("database.profile_retention"),
		AuthRequired:      configViper.GetBool("auth.required"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		HeartbeatInterval: configViper.GetDuration("hub.heartbeat_interval"),
		IdleTimeout:       configViper.GetDuration("hub.idle_timeout"),
		LockLease:         configViper.GetDuration("hub.lock_lease"),
		SendQueueSize:     configViper.GetInt("hub.send_queue"),
		MaxConnections:    configViper.GetInt("hub.max_connections"),
		MaxRooms:          configViper.GetInt("hub.max_rooms"),
		MessageRate:       configViper.GetFloat64("hub.message_rate"),
		MessageBurst:      configViper.GetInt("hub.message_burst"),
		MaxMessageBytes:   configViper.GetInt64("hub.max_message_bytes"),
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		RedisChannel:      strings.TrimSpace(configViper.GetString("redis.channel")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins must list explicit origins, not %q", origin)
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entry %q must start with http:// or https://", origin)
		}
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ProfileRetention < 0 {
		return fmt.Errorf("database.profile_retention must not be negative")
	}
	if c.AuthRequired && strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required when auth.required is set")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogEncoding)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("hub.heartbeat_interval must be positive")
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("hub.idle_timeout (%s) must exceed hub.heartbeat_interval (%s)", c.IdleTimeout, c.HeartbeatInterval)
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("hub.lock_lease must be positive")
	}
	if c.SendQueueSize <= 0 || c.MaxConnections <= 0 || c.MaxRooms <= 0 {
		return fmt.Errorf("hub.send_queue, hub.max_connections and hub.max_rooms must be positive")
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("hub.message_rate and hub.message_burst must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("hub.max_message_bytes must be positive")
	}
	return nil
}

// parseOrigins accepts both list values and comma separated strings, the form
// environment variables arrive in.
func parseOrigins(raw []string) []string {
	var origins []string
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
