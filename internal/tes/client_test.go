package tes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tesgw/internal/challenge"
	"github.com/mattjoyce/tesgw/internal/dispatch"
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/events"
	"github.com/mattjoyce/tesgw/internal/helix"
	"github.com/mattjoyce/tesgw/internal/helix/mocks"
	"github.com/mattjoyce/tesgw/internal/log"
	"github.com/mattjoyce/tesgw/internal/session"
	"github.com/mattjoyce/tesgw/internal/webhook"
)

const (
	testSecret   = "s3cRe7tW0o"
	testCallback = "https://gw.example.com/teswh/event"
)

// fakePool implements Pool for testing
type fakePool struct {
	mu       sync.Mutex
	session  string
	freeErr  error
	addErr   error
	subs     map[string]eventsub.Subscription
	adopted  map[string]string // subscription id -> session id
	released int
	closed   bool
}

func newFakePool() *fakePool {
	return &fakePool{session: "session-1", subs: map[string]eventsub.Subscription{}, adopted: map[string]string{}}
}

func (p *fakePool) GetFreeConnection(context.Context) (string, error) {
	return p.session, p.freeErr
}

func (p *fakePool) Release(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *fakePool) Adopt(sessionID string, sub eventsub.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != p.session {
		return session.ErrUnknownSession
	}
	p.subs[sub.ID] = sub
	p.adopted[sub.ID] = sessionID
	return nil
}

func (p *fakePool) AddSubscription(_ string, sub eventsub.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.subs[sub.ID] = sub
	return nil
}

func (p *fakePool) RemoveSubscription(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	return ok
}

func (p *fakePool) FindSubscriptionID(subType string, cond eventsub.Condition) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.subs {
		if s.Type == subType && s.Condition.Equal(cond) {
			return id, true
		}
	}
	return "", false
}

func (p *fakePool) Connections() []session.ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []session.ConnectionInfo{{ID: p.session, State: "welcomed", Subscriptions: len(p.subs)}}
}

func (p *fakePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func created(id, subType string, cond eventsub.Condition) eventsub.CreateResponse {
	return eventsub.CreateResponse{
		Data: []eventsub.Subscription{{ID: id, Type: subType, Version: "1", Condition: cond}},
	}
}

func newWebhookClient(t *testing.T, api helix.SubscriptionService, timeout time.Duration) (*Client, *challenge.Correlator, *dispatch.Dispatcher) {
	t.Helper()
	corr := challenge.New(timeout, log.Discard())
	d := dispatch.New(log.Discard())
	c, err := New(Config{Transport: eventsub.MethodWebhook, Callback: testCallback, Secret: testSecret}, api, d, log.Discard(), WithCorrelator(corr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, corr, d
}

func newSocketClient(t *testing.T, api helix.SubscriptionService, pool Pool) (*Client, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New(log.Discard())
	c, err := New(Config{Transport: eventsub.MethodWebSocket}, api, d, log.Discard(), WithPool(pool))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, d
}

func TestNewValidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	d := dispatch.New(log.Discard())

	tests := []struct {
		name string
		cfg  Config
		api  helix.SubscriptionService
		d    *dispatch.Dispatcher
		opts []Option
	}{
		{name: "no api", cfg: Config{Transport: eventsub.MethodWebSocket}, d: d, opts: []Option{WithPool(newFakePool())}},
		{name: "no dispatcher", cfg: Config{Transport: eventsub.MethodWebSocket}, api: api, opts: []Option{WithPool(newFakePool())}},
		{name: "webhook without correlator", cfg: Config{Transport: eventsub.MethodWebhook, Callback: testCallback, Secret: testSecret}, api: api, d: d},
		{name: "webhook without secret", cfg: Config{Transport: eventsub.MethodWebhook, Callback: testCallback}, api: api, d: d, opts: []Option{WithCorrelator(challenge.New(0, log.Discard()))}},
		{name: "websocket without pool", cfg: Config{Transport: eventsub.MethodWebSocket}, api: api, d: d},
		{name: "unknown transport", cfg: Config{Transport: "carrier-pigeon"}, api: api, d: d},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.api, tt.d, log.Discard(), tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestWebhookSubscribeResolvesOnChallenge(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	cond := eventsub.Condition{"broadcaster_user_id": "1234"}

	c, corr, d := newWebhookClient(t, api, time.Minute)
	receiver := webhook.New(webhook.Config{Secret: testSecret}, d, log.Discard(), webhook.WithChallengeResolver(corr))

	challenged := make(chan string, 1)
	api.EXPECT().CreateSubscription(gomock.Any(), eventsub.CreateRequest{
		Type:      "channel.update",
		Version:   "1",
		Condition: cond,
		Transport: eventsub.Transport{Method: eventsub.MethodWebhook, Callback: testCallback, Secret: testSecret},
	}).DoAndReturn(func(context.Context, eventsub.CreateRequest) (eventsub.CreateResponse, error) {
		// The producer may deliver the challenge before the creation response.
		go func() {
			body := []byte(`{"challenge":"pogchamp-kappa-360noscope-vohiyo","subscription":{"id":"f1c2a387","type":"channel.update"}}`)
			ts := time.Now().UTC().Format(time.RFC3339Nano)
			req := httptest.NewRequest(http.MethodPost, webhook.DefaultPath, bytes.NewReader(body))
			req.Header.Set(eventsub.HeaderMessageID, "challenge-1")
			req.Header.Set(eventsub.HeaderMessageTimestamp, ts)
			req.Header.Set(eventsub.HeaderMessageType, eventsub.MessageTypeVerification)
			req.Header.Set(eventsub.HeaderMessageSignature, webhook.Sign(testSecret, "challenge-1", ts, body))
			rec := httptest.NewRecorder()
			receiver.Handler().ServeHTTP(rec, req)
			challenged <- rec.Body.String()
		}()
		return created("f1c2a387", "channel.update", cond), nil
	})

	sub, err := c.Subscribe(context.Background(), "channel.update", "", cond)
	require.NoError(t, err)
	assert.Equal(t, "f1c2a387", sub.ID)
	assert.Equal(t, "pogchamp-kappa-360noscope-vohiyo", <-challenged)
	assert.Equal(t, 0, c.PendingVerifications())
}

func TestWebhookSubscribeTimeoutLeavesUpstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).Return(created("orphan", "channel.follow", nil), nil)

	hub := events.NewHub(8)
	corr := challenge.New(30*time.Millisecond, log.Discard())
	c, err := New(Config{Transport: eventsub.MethodWebhook, Callback: testCallback, Secret: testSecret},
		api, dispatch.New(log.Discard()), log.Discard(), WithCorrelator(corr), WithPublisher(hub))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Subscribe(context.Background(), "channel.follow", "2", nil)
	require.ErrorIs(t, err, challenge.ErrVerificationTimeout)
	var timeout *challenge.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "orphan", timeout.SubscriptionID)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, "verification_timeout", snap[0].Type)
}

func TestWebhookSubscribeCanceledContextUnparks(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).Return(created("slow", "channel.follow", nil), nil)

	c, corr, _ := newWebhookClient(t, api, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Subscribe(ctx, "channel.follow", "2", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, corr.Len())
}

func TestSubscribeConflictReturnsExisting(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	cond := eventsub.Condition{"broadcaster_user_id": "1234"}
	existing := eventsub.Subscription{ID: "already", Type: "channel.update", Condition: cond, Status: "enabled"}

	api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).
		Return(eventsub.CreateResponse{}, fmt.Errorf("create: %w", &helix.APIError{Status: http.StatusConflict}))
	api.EXPECT().FindSubscriptionByCondition(gomock.Any(), "channel.update", cond).Return(existing, nil)

	c, corr, _ := newWebhookClient(t, api, time.Minute)
	sub, err := c.Subscribe(context.Background(), "channel.update", "1", cond)
	require.NoError(t, err)
	assert.Equal(t, "already", sub.ID)
	assert.Equal(t, 0, corr.Len(), "nothing parked for an existing subscription")
}

func TestSocketSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	pool := newFakePool()
	cond := eventsub.Condition{"broadcaster_user_id": "1234"}

	api.EXPECT().CreateSubscription(gomock.Any(), eventsub.CreateRequest{
		Type:      "channel.follow",
		Version:   "2",
		Condition: cond,
		Transport: eventsub.Transport{Method: eventsub.MethodWebSocket, SessionID: "session-1"},
	}).Return(created("ws-sub", "channel.follow", cond), nil)

	c, _ := newSocketClient(t, api, pool)
	sub, err := c.Subscribe(context.Background(), "channel.follow", "2", cond)
	require.NoError(t, err)
	assert.Equal(t, "ws-sub", sub.ID)
	assert.Contains(t, pool.subs, "ws-sub")
	assert.Equal(t, 1, c.Connections()[0].Subscriptions)
}

func TestSocketSubscribeCapacityExceeded(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	pool := newFakePool()
	pool.freeErr = session.ErrCapacityExceeded

	c, _ := newSocketClient(t, api, pool)
	_, err := c.Subscribe(context.Background(), "channel.follow", "2", nil)
	assert.ErrorIs(t, err, session.ErrCapacityExceeded)
	assert.Empty(t, pool.subs)
}

func TestSocketSubscribeFailedCreateReleasesReservation(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	pool := newFakePool()
	api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).Return(eventsub.CreateResponse{}, errors.New("bad request"))

	c, _ := newSocketClient(t, api, pool)
	_, err := c.Subscribe(context.Background(), "channel.follow", "2", nil)
	assert.ErrorContains(t, err, "bad request")
	assert.Equal(t, 1, pool.released)
	assert.Empty(t, pool.subs)
}

func TestSocketSubscribeConflictAdoptsExisting(t *testing.T) {
	cond := eventsub.Condition{"broadcaster_user_id": "1234"}
	conflict := fmt.Errorf("create: %w", &helix.APIError{Status: http.StatusConflict})

	t.Run("on a tracked session", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		api := mocks.NewMockSubscriptionService(ctrl)
		pool := newFakePool()
		existing := eventsub.Subscription{
			ID:        "already",
			Type:      "channel.follow",
			Condition: cond,
			Transport: eventsub.Transport{Method: eventsub.MethodWebSocket, SessionID: "session-1"},
		}
		api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).Return(eventsub.CreateResponse{}, conflict)
		api.EXPECT().FindSubscriptionByCondition(gomock.Any(), "channel.follow", cond).Return(existing, nil)
		api.EXPECT().DeleteSubscription(gomock.Any(), "already").Return(nil)

		c, _ := newSocketClient(t, api, pool)
		sub, err := c.Subscribe(context.Background(), "channel.follow", "2", cond)
		require.NoError(t, err)
		assert.Equal(t, "already", sub.ID)
		assert.Equal(t, 1, pool.released, "the unused reservation is given back")
		assert.Equal(t, "session-1", pool.adopted["already"])

		require.NoError(t, c.UnsubscribeMatching(context.Background(), "channel.follow", cond))
		assert.Empty(t, pool.subs)
	})

	t.Run("on a session from another process", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		api := mocks.NewMockSubscriptionService(ctrl)
		pool := newFakePool()
		existing := eventsub.Subscription{
			ID:        "stale",
			Type:      "channel.follow",
			Condition: cond,
			Transport: eventsub.Transport{Method: eventsub.MethodWebSocket, SessionID: "gone"},
		}
		api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).Return(eventsub.CreateResponse{}, conflict)
		api.EXPECT().FindSubscriptionByCondition(gomock.Any(), "channel.follow", cond).Return(existing, nil)

		c, _ := newSocketClient(t, api, pool)
		sub, err := c.Subscribe(context.Background(), "channel.follow", "2", cond)
		require.NoError(t, err)
		assert.Equal(t, "stale", sub.ID)
		assert.Empty(t, pool.adopted)
	})
}

func TestSocketSubscribeUntrackableIsDeleted(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	pool := newFakePool()
	pool.addErr = session.ErrUnknownSession

	api.EXPECT().CreateSubscription(gomock.Any(), gomock.Any()).Return(created("ws-sub", "channel.follow", nil), nil)
	api.EXPECT().DeleteSubscription(gomock.Any(), "ws-sub").Return(nil)

	c, _ := newSocketClient(t, api, pool)
	_, err := c.Subscribe(context.Background(), "channel.follow", "2", nil)
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestUnsubscribeMatching(t *testing.T) {
	cond := eventsub.Condition{"broadcaster_user_id": "1234"}

	t.Run("socket uses the pool", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		api := mocks.NewMockSubscriptionService(ctrl)
		pool := newFakePool()
		pool.subs["ws-sub"] = eventsub.Subscription{ID: "ws-sub", Type: "channel.follow", Condition: cond}
		api.EXPECT().DeleteSubscription(gomock.Any(), "ws-sub").Return(nil)

		c, _ := newSocketClient(t, api, pool)
		require.NoError(t, c.UnsubscribeMatching(context.Background(), "channel.follow", cond))
		assert.Empty(t, pool.subs)

		err := c.UnsubscribeMatching(context.Background(), "channel.follow", cond)
		assert.ErrorIs(t, err, helix.ErrNotFound)
	})

	t.Run("webhook pages the API", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		api := mocks.NewMockSubscriptionService(ctrl)
		api.EXPECT().FindSubscriptionByCondition(gomock.Any(), "channel.follow", cond).
			Return(eventsub.Subscription{ID: "wh-sub"}, nil)
		api.EXPECT().DeleteSubscription(gomock.Any(), "wh-sub").Return(nil)

		c, _, _ := newWebhookClient(t, api, time.Minute)
		require.NoError(t, c.UnsubscribeMatching(context.Background(), "channel.follow", cond))
	})
}

func TestGetSubscriptionsDelegates(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	api.EXPECT().ListAllSubscriptions(gomock.Any(), helix.ListFilter{}).Return([]eventsub.Subscription{{ID: "a"}}, nil)
	api.EXPECT().ListAllSubscriptions(gomock.Any(), helix.ListFilter{Type: "channel.follow"}).Return(nil, nil)
	api.EXPECT().ListAllSubscriptions(gomock.Any(), helix.ListFilter{Status: "enabled"}).Return(nil, nil)
	api.EXPECT().FindSubscription(gomock.Any(), "a").Return(eventsub.Subscription{ID: "a"}, nil)

	c, _ := newSocketClient(t, api, newFakePool())
	ctx := context.Background()

	all, err := c.GetSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	_, err = c.GetSubscriptionsByType(ctx, "channel.follow")
	require.NoError(t, err)
	_, err = c.GetSubscriptionsByStatus(ctx, "enabled")
	require.NoError(t, err)
	sub, err := c.GetSubscription(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", sub.ID)
}

func TestOnAndHandledTypes(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, d := newSocketClient(t, mocks.NewMockSubscriptionService(ctrl), newFakePool())

	var got []string
	assert.Nil(t, c.On("channel.follow", func(ev eventsub.Event) { got = append(got, "first") }))
	assert.NotNil(t, c.On("channel.follow", func(ev eventsub.Event) { got = append(got, "second") }))
	assert.Equal(t, []string{"channel.follow"}, c.HandledTypes())

	d.Fire(eventsub.Subscription{Type: "channel.follow"}, json.RawMessage(`{}`))
	assert.Equal(t, []string{"second"}, got, "a second On replaces the first handler")

	assert.True(t, c.Off("channel.follow"))
	assert.Empty(t, c.HandledTypes())
}

func TestCloseRejectsEverything(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := newFakePool()
	c, _ := newSocketClient(t, mocks.NewMockSubscriptionService(ctrl), pool)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, pool.closed)

	_, err := c.Subscribe(context.Background(), "x", "", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Unsubscribe(context.Background(), "x"), ErrClosed)
}

// requestOfType matches a CreateRequest by subscription type only.
type requestOfType string

func (m requestOfType) Matches(x any) bool {
	req, ok := x.(eventsub.CreateRequest)
	return ok && req.Type == string(m)
}

func (m requestOfType) String() string { return "create request for " + string(m) }

func TestSubscribeAllCleansUpTimeouts(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	api.EXPECT().CreateSubscription(gomock.Any(), requestOfType("channel.follow")).Return(created("orphan", "channel.follow", nil), nil)
	api.EXPECT().DeleteSubscription(gomock.Any(), "orphan").Return(nil)
	api.EXPECT().CreateSubscription(gomock.Any(), requestOfType("channel.update")).Return(eventsub.CreateResponse{}, errors.New("bad request"))

	c, _, _ := newWebhookClient(t, api, 30*time.Millisecond)
	err := c.SubscribeAll(context.Background(), []Target{
		{Type: "channel.follow", Version: "2"},
		{Type: "channel.update"},
	})
	assert.ErrorIs(t, err, challenge.ErrVerificationTimeout)
	assert.ErrorContains(t, err, "bad request")
}

func TestResubscribeOnLoss(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := mocks.NewMockSubscriptionService(ctrl)
	pool := newFakePool()
	pool.session = "session-2"
	cond := eventsub.Condition{"broadcaster_user_id": "1234"}

	done := make(chan struct{})
	api.EXPECT().CreateSubscription(gomock.Any(), eventsub.CreateRequest{
		Type:      "channel.follow",
		Version:   "2",
		Condition: cond,
		Transport: eventsub.Transport{Method: eventsub.MethodWebSocket, SessionID: "session-2"},
	}).DoAndReturn(func(context.Context, eventsub.CreateRequest) (eventsub.CreateResponse, error) {
		defer close(done)
		return created("fresh", "channel.follow", cond), nil
	})

	c, d := newSocketClient(t, api, pool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.ResubscribeOnLoss(ctx)

	d.FireConnectionLost("session-1", map[string]eventsub.Summary{
		"old": {Type: "channel.follow", Version: "2", Condition: cond},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lost subscription was not recreated")
	}
	require.Eventually(t, func() bool {
		_, ok := pool.FindSubscriptionID("channel.follow", cond)
		return ok
	}, time.Second, 5*time.Millisecond)
}
