package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/helix"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: s.uptime(),
		Transport:     s.gateway.Transport(),
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conns := s.gateway.Connections()
	subs := 0
	for _, c := range conns {
		subs += c.Subscriptions
	}
	listeners := 0
	if s.events != nil {
		listeners = s.events.Listeners()
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		Transport:            s.gateway.Transport(),
		UptimeSeconds:        s.uptime(),
		Connections:          conns,
		SocketSubscriptions:  subs,
		PendingVerifications: s.gateway.PendingVerifications(),
		Handlers:             s.gateway.HandledTypes(),
		EventListeners:       listeners,
	})
}

// handleListSubscriptions handles GET /subscriptions[?type=|?status=].
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subType := r.URL.Query().Get("type")
	status := r.URL.Query().Get("status")
	if subType != "" && status != "" {
		s.writeError(w, http.StatusBadRequest, "filter by type or status, not both")
		return
	}

	var (
		subs []eventsub.Subscription
		err  error
	)
	switch {
	case subType != "":
		subs, err = s.gateway.GetSubscriptionsByType(r.Context(), subType)
	case status != "":
		subs, err = s.gateway.GetSubscriptionsByStatus(r.Context(), status)
	default:
		subs, err = s.gateway.GetSubscriptions(r.Context())
	}
	if err != nil {
		s.writeUpstreamError(w, err, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []eventsub.Subscription{}
	}
	respondJSON(w, http.StatusOK, SubscriptionsResponse{Data: subs, Total: len(subs)})
}

// handleGetSubscription handles GET /subscriptions/{id}.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.gateway.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeUpstreamError(w, err, "failed to get subscription")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// handleDeleteSubscription handles DELETE /subscriptions/{id}.
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.gateway.Unsubscribe(r.Context(), id); err != nil {
		s.writeUpstreamError(w, err, "failed to delete subscription")
		return
	}
	s.logger.Info("subscription deleted via API", "subscription_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.gateway.HandledTypes()))
}

func (s *Server) uptime() int64 {
	return int64(time.Since(s.startedAt).Seconds())
}

// writeUpstreamError maps management API failures onto status codes.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error, message string) {
	var apiErr *helix.APIError
	switch {
	case errors.Is(err, helix.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "subscription not found")
	case errors.As(err, &apiErr):
		s.logger.Error(message, "error", err)
		s.writeError(w, http.StatusBadGateway, apiErr.Error())
	default:
		s.logger.Error(message, "error", err)
		s.writeError(w, http.StatusInternalServerError, message)
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
