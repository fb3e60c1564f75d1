package doctor

import (
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/tesgw/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Identity.ClientID = "abc123"
	cfg.Identity.ClientSecret = "topsecret"
	cfg.Webhook.BaseURL = "https://gw.example.com"
	cfg.Webhook.Secret = "s3cRe7tW0o-long-enough"
	cfg.Subscriptions = []config.SubscriptionConf{
		{Type: "channel.follow", Version: "2", Condition: map[string]string{"broadcaster_user_id": "1234", "moderator_user_id": "1234"}},
		{Type: "channel.update", Version: "2", Condition: map[string]string{"broadcaster_user_id": "1234"}},
	}
	return cfg
}

func socketConfig() *config.Config {
	cfg := validConfig()
	cfg.Transport = config.TransportWebSocket
	cfg.Identity.ClientSecret = ""
	cfg.Identity.AccessToken = "user-token"
	return cfg
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_CallbackMustBeHTTPS443(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "plain http", baseURL: "http://gw.example.com", want: "https"},
		{name: "odd port", baseURL: "https://gw.example.com:8443", want: "port 443"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Webhook.BaseURL = tt.baseURL
			r := New(cfg).Validate()
			if r.Valid {
				t.Fatal("expected invalid")
			}
			if !hasIssue(r.Errors, "webhook", tt.want) {
				t.Fatalf("missing webhook error mentioning %q: %v", tt.want, r.Errors)
			}
		})
	}
}

func TestValidate_ExplicitPort443IsFine(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Webhook.BaseURL = "https://gw.example.com:443"
	if r := New(cfg).Validate(); !r.Valid {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
}

func TestValidate_DuplicateSubscription(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Subscriptions = append(cfg.Subscriptions, config.SubscriptionConf{
		Type: "channel.update", Version: "2", Condition: map[string]string{"broadcaster_user_id": "1234"},
	})

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "subscriptions", "duplicates subscriptions[1]") {
		t.Fatalf("missing duplicate error: %v", r.Errors)
	}
}

func TestValidate_EmptyConditionWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Subscriptions = append(cfg.Subscriptions, config.SubscriptionConf{Type: "user.authorization.grant", Version: "1"})

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "subscriptions", "no condition") {
		t.Fatalf("missing condition warning: %v", r.Warnings)
	}
}

func TestValidate_SocketCapacity(t *testing.T) {
	t.Parallel()
	cfg := socketConfig()
	cfg.WebSocket.MaxConnections = 1
	cfg.WebSocket.MaxSubscriptions = 1

	r := New(cfg).Validate()
	if !hasIssue(r.Errors, "websocket", "exceed the pool capacity of 1") {
		t.Fatalf("missing capacity error: %v", r.Errors)
	}
}

func TestValidate_SocketStoreWithoutDedup(t *testing.T) {
	t.Parallel()
	cfg := socketConfig()
	cfg.Delivery.Store = config.StoreRedis

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "websocket", "never consulted") {
		t.Fatalf("missing store warning: %v", r.Warnings)
	}

	cfg.WebSocket.Dedup = true
	if r := New(cfg).Validate(); hasIssue(r.Warnings, "websocket", "never consulted") {
		t.Fatalf("warning despite dedup: %v", r.Warnings)
	}
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Tokens = []config.APIToken{
		{Token: "ok", Scopes: []string{"events:ro", "subscriptions:rw"}},
		{Token: "", Scopes: []string{"jobs:ro"}},
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "token_scopes", `unknown scope "jobs:ro"`) {
		t.Fatalf("missing scope error: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "env_vars", "token value is empty") {
		t.Fatalf("missing empty token warning: %v", r.Warnings)
	}
}

func TestValidate_APIWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "api", "no authentication") {
		t.Fatalf("missing no-auth warning: %v", r.Warnings)
	}

	cfg.API.APIKey = "admin"
	cfg.API.Tokens = []config.APIToken{{Token: "t", Scopes: []string{"*"}}}
	r = New(cfg).Validate()
	if !hasIssue(r.Warnings, "deprecated", "prefer scoped tokens") {
		t.Fatalf("missing deprecation warning: %v", r.Warnings)
	}
}

func TestValidate_DeliveryWindows(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Delivery.DedupWindow = 5 * time.Minute

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "delivery", "dispatched twice") {
		t.Fatalf("missing window warning: %v", r.Warnings)
	}
}

func TestValidate_VerificationTimeout(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Verification.Timeout = time.Hour

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "verification", "challenge window") {
		t.Fatalf("missing timeout warning: %v", r.Warnings)
	}
}

func TestValidate_StaticTokenShadowsCredentials(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Identity.AccessToken = "user-token"

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "identity", "cannot be refreshed") {
		t.Fatalf("missing identity warning: %v", r.Warnings)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Errorf("FormatHuman(valid) = %q", got)
	}

	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "webhook", Field: "webhook.base_url", Message: "callback must use https"}},
		Warnings: []Issue{{Category: "delivery", Message: "window"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [webhook] webhook.base_url: callback must use https",
		"WARN  [delivery] window",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Warnings: []Issue{{Category: "api", Message: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"category": "api"`) {
		t.Errorf("unexpected JSON: %s", out)
	}
}
