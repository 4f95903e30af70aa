package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "PULSE"
	defaultHTTPAddress         = "127.0.0.1:8080"
	defaultDatabasePath        = "pulse.db"
	defaultLogLevel            = "info"
	defaultAuthIssuer          = "pulse-auth"
	defaultCookieName          = "pulse_session"
	defaultRealtimeProvider    = RealtimeProviderMemory
	defaultSubscribeTimeout    = 10 * time.Second
	defaultTeardownDebounce    = time.Second
	defaultHeartbeatInterval   = 20 * time.Second
	defaultStaleAfter          = 60 * time.Second
	defaultTypingReset         = 3 * time.Second
	defaultMaxNotifications    = 100
	defaultSystemDismissAfter  = 5 * time.Second
	defaultQuietHoursStart     = "22:00"
	defaultQuietHoursEnd       = "08:00"
	defaultSoundProfile        = "chime"
	defaultSoundMaxUploadBytes = 1 << 20
	defaultCacheSize           = 512
	defaultCacheTTL            = 30 * time.Second
)

// Realtime provider names accepted by realtime.provider.
const (
	RealtimeProviderMemory  = "memory"
	RealtimeProviderPhoenix = "phoenix"
	RealtimeProviderNATS    = "nats"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	Realtime      RealtimeConfig
	Presence      PresenceConfig
	Notifications NotificationsConfig
	Sound         SoundConfig
	Cache         CacheConfig
}

// RealtimeConfig selects and tunes the realtime provider.
type RealtimeConfig struct {
	Provider         string
	URL              string
	APIKey           string
	SubjectPrefix    string
	SubscribeTimeout time.Duration
	TeardownDebounce time.Duration
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	TypingReset       time.Duration
}

type NotificationsConfig struct {
	MaxItems           int
	SystemDismissAfter time.Duration
	QuietHoursEnabled  bool
	QuietHoursStart    string
	QuietHoursEnd      string
}

type SoundConfig struct {
	Enabled        bool
	DefaultProfile string
	MaxUploadBytes int64
}

type CacheConfig struct {
	Size int
	TTL  time.Duration
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
	configViper.SetDefault("log.format", "json")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("realtime.provider", defaultRealtimeProvider)
	configViper.SetDefault("realtime.url", "")
	configViper.SetDefault("realtime.api_key", "")
	configViper.SetDefault("realtime.subject_prefix", "pulse")
	configViper.SetDefault("realtime.subscribe_timeout", defaultSubscribeTimeout)
	configViper.SetDefault("realtime.teardown_debounce", defaultTeardownDebounce)

	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.stale_after", defaultStaleAfter)
	configViper.SetDefault("presence.typing_reset", defaultTypingReset)

	configViper.SetDefault("notifications.max_items", defaultMaxNotifications)
	configViper.SetDefault("notifications.system_dismiss_after", defaultSystemDismissAfter)
	configViper.SetDefault("notifications.quiet_hours.enabled", false)
	configViper.SetDefault("notifications.quiet_hours.start", defaultQuietHoursStart)
	configViper.SetDefault("notifications.quiet_hours.end", defaultQuietHoursEnd)

	configViper.SetDefault("sound.enabled", true)
	configViper.SetDefault("sound.default_profile", defaultSoundProfile)
	configViper.SetDefault("sound.max_upload_bytes", defaultSoundMaxUploadBytes)

	configViper.SetDefault("cache.size", defaultCacheSize)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		Realtime: RealtimeConfig{
			Provider:         strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.provider"))),
			URL:              configViper.GetString("realtime.url"),
			APIKey:           configViper.GetString("realtime.api_key"),
			SubjectPrefix:    configViper.GetString("realtime.subject_prefix"),
			SubscribeTimeout: configViper.GetDuration("realtime.subscribe_timeout"),
			TeardownDebounce: configViper.GetDuration("realtime.teardown_debounce"),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: configViper.GetDuration("presence.heartbeat_interval"),
			StaleAfter:        configViper.GetDuration("presence.stale_after"),
			TypingReset:       configViper.GetDuration("presence.typing_reset"),
		},
		Notifications: NotificationsConfig{
			MaxItems:           configViper.GetInt("notifications.max_items"),
			SystemDismissAfter: configViper.GetDuration("notifications.system_dismiss_after"),
			QuietHoursEnabled:  configViper.GetBool("notifications.quiet_hours.enabled"),
			QuietHoursStart:    configViper.GetString("notifications.quiet_hours.start"),
			QuietHoursEnd:      configViper.GetString("notifications.quiet_hours.end"),
		},
		Sound: SoundConfig{
			Enabled:        configViper.GetBool("sound.enabled"),
			DefaultProfile: configViper.GetString("sound.default_profile"),
			MaxUploadBytes: configViper.GetInt64("sound.max_upload_bytes"),
		},
		Cache: CacheConfig{
			Size: configViper.GetInt("cache.size"),
			TTL:  configViper.GetDuration("cache.ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.Realtime.Provider {
	case RealtimeProviderMemory:
	case RealtimeProviderPhoenix, RealtimeProviderNATS:
		if strings.TrimSpace(c.Realtime.URL) == "" {
			return fmt.Errorf("realtime.url is required for provider %s", c.Realtime.Provider)
		}
	default:
		return fmt.Errorf("realtime.provider %q is not supported", c.Realtime.Provider)
	}
	if c.Realtime.SubscribeTimeout <= 0 {
		return fmt.Errorf("realtime.subscribe_timeout must be positive")
	}
	if c.Realtime.TeardownDebounce < 0 {
		return fmt.Errorf("realtime.teardown_debounce must not be negative")
	}
	if c.Presence.HeartbeatInterval <= 0 || c.Presence.StaleAfter <= 0 || c.Presence.TypingReset <= 0 {
		return fmt.Errorf("presence intervals must be positive")
	}
	if c.Notifications.MaxItems <= 0 {
		return fmt.Errorf("notifications.max_items must be positive")
	}
	if c.Sound.MaxUploadBytes <= 0 {
		return fmt.Errorf("sound.max_upload_bytes must be positive")
	}
	return nil
}
