package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate performs validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Identity.ClientID == "" {
		return fmt.Errorf("identity.client_id is required")
	}
	for field, value := range map[string]string{
		"identity.client_id":     cfg.Identity.ClientID,
		"identity.client_secret": cfg.Identity.ClientSecret,
		"identity.access_token":  cfg.Identity.AccessToken,
	} {
		if err := unresolved(field, value); err != nil {
			return err
		}
	}

	switch cfg.Transport {
	case TransportWebhook:
		if err := validateWebhook(cfg); err != nil {
			return err
		}
	case TransportWebSocket:
		if err := validateWebSocket(cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("transport must be %q or %q (got %q)", TransportWebhook, TransportWebSocket, cfg.Transport)
	}

	if err := validateDelivery(&cfg.Delivery); err != nil {
		return err
	}

	if cfg.Verification.Timeout <= 0 {
		return fmt.Errorf("verification.timeout must be positive")
	}

	if cfg.API.Enabled {
		if err := validateAPI(&cfg.API); err != nil {
			return err
		}
	}

	for i, sub := range cfg.Subscriptions {
		if strings.TrimSpace(sub.Type) == "" {
			return fmt.Errorf("subscriptions[%d].type is required", i)
		}
	}
	return nil
}

func validateWebhook(cfg *Config) error {
	wc := cfg.Webhook
	if wc.BaseURL == "" {
		return fmt.Errorf("webhook.base_url is required for the webhook transport")
	}
	u, err := url.Parse(wc.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("webhook.base_url %q is not an absolute URL", wc.BaseURL)
	}
	if err := unresolved("webhook.secret", wc.Secret); err != nil {
		return err
	}
	// The producer rejects secrets outside 10..100 ASCII characters.
	if n := len(wc.Secret); n < 10 || n > 100 {
		return fmt.Errorf("webhook.secret must be 10-100 characters (got %d)", n)
	}
	if !strings.HasPrefix(wc.Path, "/") {
		return fmt.Errorf("webhook.path must start with '/' (got %q)", wc.Path)
	}
	if cfg.Identity.ClientSecret == "" && cfg.Identity.AccessToken == "" {
		return fmt.Errorf("webhook transport requires identity.client_secret or identity.access_token")
	}
	return nil
}

func validateWebSocket(cfg *Config) error {
	ws := cfg.WebSocket
	if cfg.Identity.AccessToken == "" {
		return fmt.Errorf("websocket transport requires identity.access_token (a user token)")
	}
	if _, err := url.Parse(ws.URL); err != nil || !strings.HasPrefix(ws.URL, "ws") {
		return fmt.Errorf("websocket.url %q is not a ws:// or wss:// URL", ws.URL)
	}
	if ws.MaxConnections < 1 || ws.MaxConnections > 3 {
		return fmt.Errorf("websocket.max_connections must be 1-3 (got %d)", ws.MaxConnections)
	}
	if ws.MaxSubscriptions < 1 || ws.MaxSubscriptions > 100 {
		return fmt.Errorf("websocket.max_subscriptions must be 1-100 (got %d)", ws.MaxSubscriptions)
	}
	if ws.KeepaliveGrace < 0 {
		return fmt.Errorf("websocket.keepalive_grace must not be negative")
	}
	if ws.WelcomeTimeout <= 0 {
		return fmt.Errorf("websocket.welcome_timeout must be positive")
	}
	return nil
}

func validateDelivery(dc *DeliveryConfig) error {
	if dc.DedupWindow <= 0 {
		return fmt.Errorf("delivery.dedup_window must be positive")
	}
	if dc.MaxMessageAge <= 0 {
		return fmt.Errorf("delivery.max_message_age must be positive")
	}
	if dc.DedupWindow <= dc.MaxMessageAge {
		return fmt.Errorf("delivery.dedup_window (%s) must exceed delivery.max_message_age (%s)", dc.DedupWindow, dc.MaxMessageAge)
	}

	switch dc.Store {
	case StoreMemory:
	case StoreSQLite:
		if dc.SQLitePath == "" {
			return fmt.Errorf("delivery.sqlite_path is required for the sqlite store")
		}
	case StoreRedis:
		if dc.Redis.Addr == "" {
			return fmt.Errorf("delivery.redis.addr is required for the redis store")
		}
		if err := unresolved("delivery.redis.password", dc.Redis.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("delivery.store must be one of: memory, sqlite, redis (got %q)", dc.Store)
	}
	return nil
}

func validateAPI(ac *APIConfig) error {
	if ac.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if err := unresolved("api.api_key", ac.APIKey); err != nil {
		return err
	}
	if ac.APIKey == "" && len(ac.Tokens) == 0 {
		return fmt.Errorf("api.api_key or api.tokens is required when the API is enabled")
	}
	for i, tok := range ac.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.tokens[%d].token is required", i)
		}
		if err := unresolved(fmt.Sprintf("api.tokens[%d].token", i), tok.Token); err != nil {
			return err
		}
	}
	return nil
}
