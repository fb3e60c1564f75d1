package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tesgw/internal/auth"
	"github.com/mattjoyce/tesgw/internal/events"
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/helix"
	"github.com/mattjoyce/tesgw/internal/log"
	"github.com/mattjoyce/tesgw/internal/metrics"
	"github.com/mattjoyce/tesgw/internal/session"
)

const adminKey = "admin-key"

// fakeGateway implements Gateway for testing
type fakeGateway struct {
	subs      []eventsub.Subscription
	listErr   error
	deleted   []string
	deleteErr error
}

func (f *fakeGateway) Transport() string { return eventsub.MethodWebSocket }

func (f *fakeGateway) Connections() []session.ConnectionInfo {
	return []session.ConnectionInfo{{ID: "session-1", State: "welcomed", Subscriptions: 2}}
}

func (f *fakeGateway) PendingVerifications() int { return 1 }

func (f *fakeGateway) HandledTypes() []string { return []string{"channel.follow", "revocation"} }

func (f *fakeGateway) GetSubscriptions(context.Context) ([]eventsub.Subscription, error) {
	return f.subs, f.listErr
}

func (f *fakeGateway) GetSubscriptionsByType(_ context.Context, subType string) ([]eventsub.Subscription, error) {
	var out []eventsub.Subscription
	for _, s := range f.subs {
		if s.Type == subType {
			out = append(out, s)
		}
	}
	return out, f.listErr
}

func (f *fakeGateway) GetSubscriptionsByStatus(_ context.Context, status string) ([]eventsub.Subscription, error) {
	var out []eventsub.Subscription
	for _, s := range f.subs {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, f.listErr
}

func (f *fakeGateway) GetSubscription(_ context.Context, id string) (eventsub.Subscription, error) {
	for _, s := range f.subs {
		if s.ID == id {
			return s, nil
		}
	}
	return eventsub.Subscription{}, helix.ErrNotFound
}

func (f *fakeGateway) Unsubscribe(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestServer(gw *fakeGateway, hub *events.Hub) *Server {
	m := metrics.New()
	return New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeSubscriptionsRead}},
			{Token: "watcher", Scopes: []string{auth.ScopeEventsRead}},
		},
	}, gw, hub, m.Handler(), log.Discard())
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func testSubs() []eventsub.Subscription {
	return []eventsub.Subscription{
		{ID: "a", Type: "channel.follow", Status: "enabled"},
		{ID: "b", Type: "channel.update", Status: "webhook_callback_verification_pending"},
	}
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestServer(&fakeGateway{}, nil).Handler()
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "websocket", resp.Transport)
}

func TestAuthAndScopes(t *testing.T) {
	h := newTestServer(&fakeGateway{subs: testSubs()}, events.NewHub(4)).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/subscriptions", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/subscriptions", token: "nope", want: http.StatusUnauthorized},
		{name: "reader lists", method: http.MethodGet, path: "/subscriptions", token: "reader", want: http.StatusOK},
		{name: "reader cannot delete", method: http.MethodDelete, path: "/subscriptions/a", token: "reader", want: http.StatusForbidden},
		{name: "watcher cannot list", method: http.MethodGet, path: "/subscriptions", token: "watcher", want: http.StatusForbidden},
		{name: "reader cannot scrape", method: http.MethodGet, path: "/metrics", token: "reader", want: http.StatusForbidden},
		{name: "reader sees status", method: http.MethodGet, path: "/status", token: "reader", want: http.StatusOK},
		{name: "admin deletes", method: http.MethodDelete, path: "/subscriptions/a", token: adminKey, want: http.StatusNoContent},
		{name: "admin scrapes", method: http.MethodGet, path: "/metrics", token: adminKey, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListSubscriptions(t *testing.T) {
	h := newTestServer(&fakeGateway{subs: testSubs()}, nil).Handler()

	var resp SubscriptionsResponse
	rec := do(t, h, http.MethodGet, "/subscriptions", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Total)

	rec = do(t, h, http.MethodGet, "/subscriptions?type=channel.update", adminKey)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "b", resp.Data[0].ID)

	rec = do(t, h, http.MethodGet, "/subscriptions?status=enabled", adminKey)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "a", resp.Data[0].ID)

	rec = do(t, h, http.MethodGet, "/subscriptions?status=enabled&type=x", adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/subscriptions?type=none", adminKey)
	assert.JSONEq(t, `{"data":[],"total":0}`, rec.Body.String())
}

func TestUpstreamErrors(t *testing.T) {
	gw := &fakeGateway{
		listErr:   &helix.APIError{Status: http.StatusTooManyRequests, Message: "rate limited"},
		deleteErr: errors.New("boom"),
	}
	h := newTestServer(gw, nil).Handler()

	rec := do(t, h, http.MethodGet, "/subscriptions", adminKey)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limited")

	rec = do(t, h, http.MethodGet, "/subscriptions/missing", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/subscriptions/a", adminKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	gw.deleteErr = &helix.APIError{Status: http.StatusNotFound}
	rec = do(t, h, http.MethodDelete, "/subscriptions/a", adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndDeleteSubscription(t *testing.T) {
	gw := &fakeGateway{subs: testSubs()}
	h := newTestServer(gw, nil).Handler()

	rec := do(t, h, http.MethodGet, "/subscriptions/b", "reader")
	require.Equal(t, http.StatusOK, rec.Code)
	var sub eventsub.Subscription
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	assert.Equal(t, "channel.update", sub.Type)

	rec = do(t, h, http.MethodDelete, "/subscriptions/b", adminKey)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"b"}, gw.deleted)
}

func TestStatus(t *testing.T) {
	hub := events.NewHub(4)
	_, cancel := hub.Subscribe()
	defer cancel()

	h := newTestServer(&fakeGateway{}, hub).Handler()
	rec := do(t, h, http.MethodGet, "/status", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.SocketSubscriptions)
	assert.Equal(t, 1, resp.PendingVerifications)
	assert.Equal(t, 1, resp.EventListeners)
	assert.Equal(t, []string{"channel.follow", "revocation"}, resp.Handlers)
}

func TestOpenAPI(t *testing.T) {
	h := newTestServer(&fakeGateway{}, nil).Handler()
	rec := do(t, h, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/events")
	assert.Contains(t, paths, "/subscriptions/{id}")

	get := paths["/events"].(map[string]any)["get"].(map[string]any)
	assert.Equal(t, []any{"channel.follow", "revocation"}, get["x-event-types"])
}

func TestEventsDisabledWithoutHub(t *testing.T) {
	h := newTestServer(&fakeGateway{}, nil).Handler()
	rec := do(t, h, http.MethodGet, "/events", adminKey)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(8)
	hub.Observe(eventsub.Event{Type: "channel.follow", MessageID: "m1", Payload: json.RawMessage(`{"n":1}`)}, true)
	hub.Observe(eventsub.Event{Type: "channel.follow", MessageID: "m2", Payload: json.RawMessage(`{"n":2}`)}, true)

	srv := httptest.NewServer(newTestServer(&fakeGateway{}, hub).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer watcher")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() map[string]string {
		fields := map[string]string{}
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return fields
			}
			k, v, _ := strings.Cut(line, ": ")
			fields[k] = v
		}
	}

	assert.Equal(t, "3000", readEvent()["retry"])
	first := readEvent()
	assert.Equal(t, "2", first["id"], "Last-Event-ID skips what the client already saw")
	assert.Equal(t, `{"n":2}`, first["data"])

	hub.Observe(eventsub.Event{Type: "revocation", Payload: json.RawMessage(`{"id":"x"}`)}, false)
	live := readEvent()
	assert.Equal(t, "3", live["id"])
	assert.Equal(t, "revocation", live["event"])
}

func TestEventsStreamTypeFilter(t *testing.T) {
	hub := events.NewHub(8)
	hub.Observe(eventsub.Event{Type: "channel.follow", Payload: json.RawMessage(`{"n":1}`)}, true)
	hub.Observe(eventsub.Event{Type: "channel.update", Payload: json.RawMessage(`{"n":2}`)}, true)
	hub.Observe(eventsub.Event{Type: "revocation", Payload: json.RawMessage(`{"n":3}`)}, false)
	hub.Close()

	rec := do(t, newTestServer(&fakeGateway{}, hub).Handler(), http.MethodGet, "/events?type=revocation,%20channel.follow", "watcher")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: channel.follow\ndata: {\"n\":1}\n\n")
	assert.Contains(t, body, "id: 3\nevent: revocation\n")
	assert.NotContains(t, body, "channel.update")
	assert.True(t, strings.HasSuffix(body, ": hub closed\n\n"))
}

func TestParseTypeFilter(t *testing.T) {
	all := parseTypeFilter("")
	assert.True(t, all.match("anything"))

	f := parseTypeFilter(" channel.follow ,,revocation")
	assert.True(t, f.match("channel.follow"))
	assert.True(t, f.match("revocation"))
	assert.False(t, f.match("channel.update"))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
