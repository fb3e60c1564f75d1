package config

import "time"

// Transport names accepted in the top-level transport field.
const (
	TransportWebhook   = "webhook"
	TransportWebSocket = "websocket"
)

// Dedup store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config represents the complete tesgw configuration.
type Config struct {
	Service       ServiceConfig      `yaml:"service"`
	Identity      IdentityConfig     `yaml:"identity"`
	Transport     string             `yaml:"transport"`
	Webhook       WebhookConfig      `yaml:"webhook"`
	WebSocket     WebSocketConfig    `yaml:"websocket"`
	Delivery      DeliveryConfig     `yaml:"delivery"`
	Verification  VerificationConfig `yaml:"verification"`
	API           APIConfig          `yaml:"api,omitempty"`
	Subscriptions []SubscriptionConf `yaml:"subscriptions,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PIDFile, when set, is locked for the life of the process so a second
	// gateway on the same state refuses to start.
	PIDFile string `yaml:"pid_file"`
}

// IdentityConfig holds the application credentials and management API endpoints.
type IdentityConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// AccessToken is a user token. The socket transport requires one; the
	// webhook transport uses it instead of client credentials when set.
	AccessToken string `yaml:"access_token"`

	APIBaseURL  string `yaml:"api_base_url"`
	TokenURL    string `yaml:"token_url"`
	ValidateURL string `yaml:"validate_url"`
	// ValidateInterval is how often the current token is checked against ValidateURL.
	ValidateInterval time.Duration `yaml:"validate_interval"`
}

// WebhookConfig defines the webhook callback listener.
type WebhookConfig struct {
	Listen      string `yaml:"listen"`
	BaseURL     string `yaml:"base_url"`
	Path        string `yaml:"path"`
	Secret      string `yaml:"secret"`
	MaxBodySize string `yaml:"max_body_size"`
}

// WebSocketConfig defines the socket session pool.
type WebSocketConfig struct {
	URL              string        `yaml:"url"`
	MaxConnections   int           `yaml:"max_connections"`
	MaxSubscriptions int           `yaml:"max_subscriptions"`
	KeepaliveGrace   time.Duration `yaml:"keepalive_grace"`
	WelcomeTimeout   time.Duration `yaml:"welcome_timeout"`
	// Dedup applies the duplicate gate to socket notifications too.
	Dedup bool `yaml:"dedup"`
}

// DeliveryConfig controls duplicate and stale message filtering.
type DeliveryConfig struct {
	IgnoreDuplicateMessages bool          `yaml:"ignore_duplicate_messages"`
	IgnoreOldMessages       bool          `yaml:"ignore_old_messages"`
	DedupWindow             time.Duration `yaml:"dedup_window"`
	MaxMessageAge           time.Duration `yaml:"max_message_age"`
	Store                   string        `yaml:"store"`
	SQLitePath              string        `yaml:"sqlite_path"`
	PruneInterval           time.Duration `yaml:"prune_interval"`
	Redis                   RedisConfig   `yaml:"redis"`
}

// RedisConfig locates the shared dedup store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VerificationConfig bounds how long a webhook subscription waits for its challenge.
type VerificationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig defines the status/events HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
	// EventBuffer is how many recent events are kept for SSE replay.
	EventBuffer int `yaml:"event_buffer"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// SubscriptionConf is a subscription created at startup.
type SubscriptionConf struct {
	Type      string            `yaml:"type"`
	Version   string            `yaml:"version"`
	Condition map[string]string `yaml:"condition"`
}

// Defaults returns a Config with the producer's documented limits.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "tesgw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Identity: IdentityConfig{
			APIBaseURL:       "https://api.twitch.tv/helix",
			TokenURL:         "https://id.twitch.tv/oauth2/token",
			ValidateURL:      "https://id.twitch.tv/oauth2/validate",
			ValidateInterval: time.Hour,
		},
		Transport: TransportWebhook,
		Webhook: WebhookConfig{
			Listen:      "127.0.0.1:8080",
			Path:        "/teswh/event",
			MaxBodySize: "1MB",
		},
		WebSocket: WebSocketConfig{
			URL:              "wss://eventsub.wss.twitch.tv/ws",
			MaxConnections:   3,
			MaxSubscriptions: 100,
			KeepaliveGrace:   100 * time.Millisecond,
			WelcomeTimeout:   10 * time.Second,
		},
		Delivery: DeliveryConfig{
			IgnoreDuplicateMessages: true,
			IgnoreOldMessages:       true,
			DedupWindow:             601 * time.Second,
			MaxMessageAge:           600 * time.Second,
			Store:                   StoreMemory,
			SQLitePath:              "./data/ledger.db",
			PruneInterval:           time.Minute,
		},
		Verification: VerificationConfig{
			Timeout: 600 * time.Second,
		},
		API: APIConfig{
			Enabled:     false,
			Listen:      "127.0.0.1:8081",
			EventBuffer: 256,
		},
	}
}
