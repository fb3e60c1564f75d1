package api

import (
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/session"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Transport     string `json:"transport"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Transport            string                   `json:"transport"`
	UptimeSeconds        int64                    `json:"uptime_seconds"`
	Connections          []session.ConnectionInfo `json:"connections"`
	SocketSubscriptions  int                      `json:"socket_subscriptions"`
	PendingVerifications int                      `json:"pending_verifications"`
	Handlers             []string                 `json:"handlers"`
	EventListeners       int                      `json:"event_listeners"`
}

// SubscriptionsResponse is returned by GET /subscriptions.
type SubscriptionsResponse struct {
	Data  []eventsub.Subscription `json:"data"`
	Total int                     `json:"total"`
}
