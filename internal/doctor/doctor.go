// Package doctor reports configuration problems that parse cleanly but would
// misbehave against the producer at runtime.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/tesgw/internal/auth"
	"github.com/mattjoyce/tesgw/internal/config"
	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// producerChallengeWindow is how long the producer keeps retrying a
// verification challenge.
const producerChallengeWindow = 10 * time.Minute

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCallback(r)
	d.validateSubscriptions(r)
	d.validateSocketCapacity(r)
	d.validateTokenScopes(r)
	d.warnAPIAuth(r)
	d.warnDeliveryWindows(r)
	d.warnVerificationTimeout(r)
	d.warnIdentity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCallback checks the public callback URL the producer will call.
func (d *Doctor) validateCallback(r *Result) {
	if d.cfg.Transport != config.TransportWebhook {
		return
	}
	u, err := url.Parse(d.cfg.Webhook.BaseURL)
	if err != nil {
		d.addError(r, "webhook", "webhook.base_url", err.Error())
		return
	}
	if u.Scheme != "https" {
		d.addError(r, "webhook", "webhook.base_url",
			fmt.Sprintf("callback must use https (got %q)", u.Scheme))
	}
	if port := u.Port(); port != "" && port != "443" {
		d.addError(r, "webhook", "webhook.base_url",
			fmt.Sprintf("callback must be served on port 443 (got %s)", port))
	}
	if u.Path != "" && u.Path != "/" {
		d.addWarning(r, "webhook", "webhook.base_url",
			fmt.Sprintf("base_url has a path (%q); webhook.path is appended to it", u.Path))
	}
}

// validateSubscriptions rejects duplicate subscriptions and flags empty conditions.
func (d *Doctor) validateSubscriptions(r *Result) {
	for i, sub := range d.cfg.Subscriptions {
		field := fmt.Sprintf("subscriptions[%d]", i)
		if len(sub.Condition) == 0 {
			d.addWarning(r, "subscriptions", field+".condition",
				fmt.Sprintf("%s has no condition; almost every type requires one", sub.Type))
		}
		for j := range i {
			prev := d.cfg.Subscriptions[j]
			if prev.Type == sub.Type && prev.Version == sub.Version &&
				eventsub.Condition(prev.Condition).Equal(eventsub.Condition(sub.Condition)) {
				d.addError(r, "subscriptions", field,
					fmt.Sprintf("duplicates subscriptions[%d] (%s v%s)", j, sub.Type, sub.Version))
				break
			}
		}
	}
}

// validateSocketCapacity checks the configured subscriptions fit the pool.
func (d *Doctor) validateSocketCapacity(r *Result) {
	if d.cfg.Transport != config.TransportWebSocket {
		return
	}
	ws := d.cfg.WebSocket
	capacity := ws.MaxConnections * ws.MaxSubscriptions
	if n := len(d.cfg.Subscriptions); n > capacity {
		d.addError(r, "websocket", "subscriptions",
			fmt.Sprintf("%d subscriptions exceed the pool capacity of %d (%d connections x %d)",
				n, capacity, ws.MaxConnections, ws.MaxSubscriptions))
	}
	if !ws.Dedup && d.cfg.Delivery.Store != config.StoreMemory {
		d.addWarning(r, "websocket", "delivery.store",
			fmt.Sprintf("%s store configured but websocket.dedup is off; it is never consulted", d.cfg.Delivery.Store))
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:               true,
	auth.ScopeEventsRead:        true,
	auth.ScopeSubscriptionsRead: true,
	auth.ScopeSubscriptionsRW:   true,
	auth.ScopeMetricsRead:       true,
}

// validateTokenScopes checks every API token scope is one the server knows.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
		for j, scope := range token.Scopes {
			if !knownScopes[scope] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(scopeNames(), ", ")))
			}
		}
	}
}

func scopeNames() []string {
	return []string{auth.ScopeEventsRead, auth.ScopeSubscriptionsRead, auth.ScopeSubscriptionsRW, auth.ScopeMetricsRead, auth.ScopeAll}
}

func (d *Doctor) warnAPIAuth(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.APIKey == "" && len(api.Tokens) == 0 {
		d.addWarning(r, "api", "api",
			"API enabled but no authentication configured; every protected route will refuse requests")
	}
	if api.APIKey != "" && len(api.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.api_key",
			"both api_key and tokens configured; prefer scoped tokens only")
	}
}

// warnDeliveryWindows flags gate settings that let retries through.
func (d *Doctor) warnDeliveryWindows(r *Result) {
	dc := d.cfg.Delivery
	if dc.IgnoreDuplicateMessages && dc.IgnoreOldMessages && dc.DedupWindow <= dc.MaxMessageAge {
		d.addWarning(r, "delivery", "delivery.dedup_window",
			fmt.Sprintf("dedup_window (%s) should exceed max_message_age (%s) or a late retry can be dispatched twice",
				dc.DedupWindow, dc.MaxMessageAge))
	}
	if !dc.IgnoreDuplicateMessages && dc.Store != config.StoreMemory {
		d.addWarning(r, "delivery", "delivery.store",
			fmt.Sprintf("%s store configured but duplicate filtering is off", dc.Store))
	}
}

func (d *Doctor) warnVerificationTimeout(r *Result) {
	if d.cfg.Transport != config.TransportWebhook {
		return
	}
	if t := d.cfg.Verification.Timeout; t > producerChallengeWindow {
		d.addWarning(r, "verification", "verification.timeout",
			fmt.Sprintf("%s exceeds the producer's %s challenge window; unverified subscriptions are held longer than needed",
				t, producerChallengeWindow))
	}
}

func (d *Doctor) warnIdentity(r *Result) {
	id := d.cfg.Identity
	if d.cfg.Transport == config.TransportWebhook && id.AccessToken != "" && id.ClientSecret != "" {
		d.addWarning(r, "identity", "identity.access_token",
			"both access_token and client_secret set; the static access_token is used and cannot be refreshed")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
