package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tesgw/internal/dedup"
	"github.com/mattjoyce/tesgw/internal/eventsub"
)

const deliverTimeout = 5 * time.Second

// Receiver is the EventSub webhook callback endpoint.
type Receiver struct {
	config     Config
	dispatcher Dispatcher
	filter     Filter
	challenges ChallengeResolver
	recorder   Recorder
	logger     *slog.Logger
	server     *http.Server

	// inflight tracks dispatches started after the response was written.
	inflight sync.WaitGroup
}

// Option customises a Receiver.
type Option func(*Receiver)

// WithFilter sets the dedup and age filter. Without one every message is dispatched.
func WithFilter(f Filter) Option {
	return func(s *Receiver) { s.filter = f }
}

// WithChallengeResolver sets who is told about verified challenges.
func WithChallengeResolver(c ChallengeResolver) Option {
	return func(s *Receiver) { s.challenges = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Receiver) { s.recorder = r }
}

// New creates a Receiver instance.
func New(config Config, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Receiver {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	s := &Receiver{
		config:     config,
		dispatcher: dispatcher,
		logger:     logger,
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the callback path.
func (s *Receiver) Path() string { return s.config.Path }

// Handler returns the callback handler for mounting on a parent router at Path.
func (s *Receiver) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebhook)
}

// Mount registers the callback route on r.
func (s *Receiver) Mount(r chi.Router) {
	r.Post(s.config.Path, s.handleWebhook)
}

// Start starts the receiver's own HTTP server (blocking).
func (s *Receiver) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook receiver starting", "listen", s.config.Listen, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook receiver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		s.Wait()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Wait blocks until every dispatch started after an acknowledgement has finished.
func (s *Receiver) Wait() {
	s.inflight.Wait()
}

func (s *Receiver) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.Mount(r)
	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads and signatures).
func (s *Receiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"message_type", r.Header.Get(eventsub.HeaderMessageType),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// SkipPath wraps mw so that requests for path bypass it. Parent routers use it
// to keep body-consuming middleware away from the callback.
func SkipPath(path string, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// handleWebhook handles incoming callback POST requests.
func (s *Receiver) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.recorder.WebhookRequest(resultTooLarge)
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	messageID := r.Header.Get(eventsub.HeaderMessageID)
	timestamp := r.Header.Get(eventsub.HeaderMessageTimestamp)
	messageType := r.Header.Get(eventsub.HeaderMessageType)

	if err := VerifySignature(s.config.Secret, messageID, timestamp, body, r.Header.Get(eventsub.HeaderMessageSignature)); err != nil {
		if errors.Is(err, ErrMissingSignature) {
			s.logger.Warn("webhook request without signature", "remote_addr", r.RemoteAddr)
			s.recorder.WebhookRequest(resultUnauthorized)
			s.respondText(w, http.StatusUnauthorized, "Unauthorized request to EventSub webhook")
			return
		}
		s.logger.Warn("webhook signature verification failed", "message_id", messageID, "remote_addr", r.RemoteAddr)
		s.recorder.WebhookRequest(resultForbidden)
		s.respondText(w, http.StatusForbidden, "Request signature mismatch")
		return
	}

	payload := normalizeBody(body)

	switch messageType {
	case eventsub.MessageTypeVerification:
		s.handleChallenge(w, payload)

	case eventsub.MessageTypeNotification, eventsub.MessageTypeRevocation:
		ev, ok := s.decodeMessage(messageType, messageID, payload)
		s.respondText(w, http.StatusOK, "OK")
		if f, canFlush := w.(http.Flusher); canFlush {
			f.Flush()
		}
		if !ok {
			s.recorder.WebhookRequest(resultBadRequest)
			return
		}
		s.recorder.WebhookRequest(messageType)

		sentAt := parseTimestamp(timestamp)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.deliver(messageType, ev, sentAt)
		}()

	default:
		s.logger.Info("webhook message type not handled", "message_type", messageType, "message_id", messageID)
		s.recorder.WebhookRequest(resultUnknown)
		s.respondText(w, http.StatusOK, "OK")
	}
}

func (s *Receiver) handleChallenge(w http.ResponseWriter, payload []byte) {
	var cp eventsub.ChallengePayload
	if err := json.Unmarshal(payload, &cp); err != nil || cp.Challenge == "" {
		// Nothing to echo, so it is acknowledged like any other unhandled message.
		s.logger.Warn("verification request without challenge", "error", err)
		s.recorder.WebhookRequest(resultUnknown)
		s.respondText(w, http.StatusOK, "OK")
		return
	}

	s.logger.Info("received verification challenge",
		"subscription_id", cp.Subscription.ID,
		"subscription_type", cp.Subscription.Type,
	)
	s.recorder.WebhookRequest(resultChallenge)
	s.respondText(w, http.StatusOK, decodeChallenge(cp.Challenge))

	if s.challenges != nil && cp.Subscription.ID != "" {
		s.challenges.Resolve(cp.Subscription.ID)
	}
}

// decodeMessage turns a notification or revocation body into the event to fire.
func (s *Receiver) decodeMessage(messageType, messageID string, payload []byte) (eventsub.Event, bool) {
	if messageType == eventsub.MessageTypeRevocation {
		var rp eventsub.RevocationPayload
		if err := json.Unmarshal(payload, &rp); err != nil {
			s.logger.Warn("malformed revocation body dropped", "message_id", messageID, "error", err)
			return eventsub.Event{}, false
		}
		return eventsub.Event{Type: eventsub.TypeRevocation, MessageID: messageID, Subscription: rp.Subscription}, true
	}

	var np eventsub.NotificationPayload
	if err := json.Unmarshal(payload, &np); err != nil {
		s.logger.Warn("malformed notification body dropped", "message_id", messageID, "error", err)
		return eventsub.Event{}, false
	}
	return eventsub.Event{
		Type:         np.Subscription.Type,
		MessageID:    messageID,
		Subscription: np.Subscription,
		Payload:      np.Event,
	}, true
}

// deliver runs the filter and fires the event. It runs after the response is written.
func (s *Receiver) deliver(messageType string, ev eventsub.Event, sentAt time.Time) {
	if s.filter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		verdict := s.filter.Admit(ctx, ev.MessageID, sentAt)
		cancel()
		s.recorder.Message(eventsub.MethodWebhook, verdict.String())
		if verdict != dedup.Accept {
			return
		}
	} else {
		s.recorder.Message(eventsub.MethodWebhook, dedup.Accept.String())
	}

	if messageType == eventsub.MessageTypeRevocation {
		s.logger.Info("received revocation", "subscription_id", ev.Subscription.ID, "status", ev.Subscription.Status)
		s.dispatcher.FireRevocation(ev.Subscription, ev.MessageID)
		return
	}
	s.logger.Debug("received notification", "subscription_type", ev.Type, "message_id", ev.MessageID)
	s.dispatcher.FireEvent(ev)
}

// normalizeBody returns a JSON object body. Some parent frameworks hand over a
// JSON string or a percent-encoded form of the original body; both are undone.
func normalizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return trimmed
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			return normalizeBody([]byte(inner))
		}
	}
	if decoded, err := url.QueryUnescape(string(trimmed)); err == nil {
		if d := strings.TrimSpace(decoded); strings.HasPrefix(d, "{") {
			return []byte(d)
		}
	}
	return trimmed
}

// decodeChallenge returns the challenge with any percent-encoding undone.
func decodeChallenge(challenge string) string {
	if decoded, err := url.PathUnescape(challenge); err == nil {
		return decoded
	}
	return challenge
}

// parseTimestamp parses the producer's RFC 3339 timestamp; failures yield the
// zero time, which the age gate never treats as stale.
func parseTimestamp(ts string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Receiver) respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// respondJSON sends a JSON response.
func (s *Receiver) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Receiver) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

type nopRecorder struct{}

func (nopRecorder) WebhookRequest(string)   {}
func (nopRecorder) Message(string, string) {}
