package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/tesgw/internal/api"
	"github.com/mattjoyce/tesgw/internal/auth"
	"github.com/mattjoyce/tesgw/internal/challenge"
	"github.com/mattjoyce/tesgw/internal/config"
	"github.com/mattjoyce/tesgw/internal/dedup"
	"github.com/mattjoyce/tesgw/internal/dispatch"
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/events"
	"github.com/mattjoyce/tesgw/internal/helix"
	"github.com/mattjoyce/tesgw/internal/lock"
	"github.com/mattjoyce/tesgw/internal/log"
	"github.com/mattjoyce/tesgw/internal/metrics"
	"github.com/mattjoyce/tesgw/internal/session"
	"github.com/mattjoyce/tesgw/internal/storage"
	"github.com/mattjoyce/tesgw/internal/tes"
	"github.com/mattjoyce/tesgw/internal/webhook"
)

// tokenSource is what both the management API client and the validation
// loop need from a credential.
type tokenSource interface {
	helix.TokenSource
	auth.Validating
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	path := resolveConfigPath(*configPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("tesgw starting", "version", version, "config", cfg.SourcePath, "transport", cfg.Transport)

	if cfg.Service.PIDFile != "" {
		instance, err := lock.Acquire(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire instance lock (another gateway may be running)", "path", cfg.Service.PIDFile, "error", err)
			return 1
		}
		defer instance.Release()
		logger.Info("acquired instance lock", "path", instance.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	tokens, err := newTokenSource(cfg)
	if err != nil {
		logger.Error("failed to configure credentials", "error", err)
		return 1
	}
	go auth.RunValidation(ctx, tokens, cfg.Identity.ValidateInterval, log.WithComponent("auth"))

	requester := helix.NewRequester(cfg.Identity.APIBaseURL, cfg.Identity.ClientID, tokens,
		log.WithComponent("helix"), helix.WithRecorder(m))
	apiClient := helix.New(requester)

	hub := events.NewHub(cfg.API.EventBuffer)
	defer hub.Close()

	dispatcher := dispatch.New(log.WithComponent("dispatch"))
	dispatcher.Observe(hub.Observe)
	dispatcher.Observe(func(ev eventsub.Event, handled bool) { m.Dispatched(ev.Type, handled) })

	filter, err := openFilter(ctx, cfg)
	if err != nil {
		logger.Error("failed to open dedup store", "store", cfg.Delivery.Store, "error", err)
		return 1
	}
	defer filter.Close()

	errCh := make(chan error, 3)
	var components sync.WaitGroup
	defer func() {
		cancel()
		components.Wait()
	}()

	var client *tes.Client
	switch cfg.Transport {
	case config.TransportWebhook:
		webhookConfig, err := webhook.FromGlobalConfig(&cfg.Webhook)
		if err != nil {
			logger.Error("failed to configure webhook", "error", err)
			return 1
		}
		correlator := challenge.New(cfg.Verification.Timeout, log.WithComponent("challenge"))
		receiver := webhook.New(webhookConfig, dispatcher, log.WithComponent("webhook"),
			webhook.WithFilter(filter),
			webhook.WithChallengeResolver(correlator),
			webhook.WithRecorder(m),
		)
		client, err = tes.New(tes.Config{
			Transport: eventsub.MethodWebhook,
			Callback:  strings.TrimRight(cfg.Webhook.BaseURL, "/") + webhookConfig.Path,
			Secret:    webhookConfig.Secret,
		}, apiClient, dispatcher, log.WithComponent("tes"), tes.WithCorrelator(correlator), tes.WithPublisher(hub))
		if err != nil {
			logger.Error("failed to create client", "error", err)
			return 1
		}
		components.Add(1)
		go func() {
			defer components.Done()
			if err := receiver.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook receiver enabled", "listen", webhookConfig.Listen, "callback", cfg.Webhook.BaseURL+webhookConfig.Path)

	case config.TransportWebSocket:
		opts := []session.Option{session.WithRecorder(m)}
		if cfg.WebSocket.Dedup {
			opts = append(opts, session.WithFilter(filter))
		}
		pool := session.New(session.Config{
			URL:              cfg.WebSocket.URL,
			MaxConnections:   cfg.WebSocket.MaxConnections,
			MaxSubscriptions: cfg.WebSocket.MaxSubscriptions,
			KeepaliveGrace:   cfg.WebSocket.KeepaliveGrace,
			WelcomeTimeout:   cfg.WebSocket.WelcomeTimeout,
		}, dispatcher, log.WithComponent("session"), opts...)
		client, err = tes.New(tes.Config{Transport: eventsub.MethodWebSocket},
			apiClient, dispatcher, log.WithComponent("tes"), tes.WithPool(pool), tes.WithPublisher(hub))
		if err != nil {
			_ = pool.Close()
			logger.Error("failed to create client", "error", err)
			return 1
		}
		client.ResubscribeOnLoss(ctx)

	default:
		logger.Error("unknown transport", "transport", cfg.Transport)
		return 1
	}
	defer client.Close()

	registerHandlers(client, cfg, log.WithComponent("events"))
	m.GaugeFunc("pending_verifications", "Webhook subscriptions awaiting their challenge.",
		func() float64 { return float64(client.PendingVerifications()) })
	m.GaugeFunc("sse_listeners", "Connected /events stream listeners.",
		func() float64 { return float64(hub.Listeners()) })

	if cfg.API.Enabled {
		apiTokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			apiTokens = append(apiTokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
			Tokens: apiTokens,
		}, client, hub, m.Handler(), log.WithComponent("api"))
		components.Add(1)
		go func() {
			defer components.Done()
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if len(cfg.Subscriptions) > 0 {
		// Webhook subscriptions wait for their challenge, so this can't block startup.
		go func() {
			targets := subscriptionTargets(cfg.Subscriptions)
			if err := client.SubscribeAll(ctx, targets); err != nil {
				logger.Error("some configured subscriptions failed", "error", err)
				return
			}
			logger.Info("configured subscriptions active", "count", len(targets))
		}()
	}

	logger.Info("tesgw running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	components.Wait()
	logger.Info("tesgw stopped")
	return 0
}

func newTokenSource(cfg *config.Config) (tokenSource, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	logger := log.WithComponent("auth")
	id := cfg.Identity

	if id.AccessToken != "" {
		return auth.NewStaticToken(id.AccessToken, id.ValidateURL, httpClient, logger), nil
	}
	if cfg.Transport == config.TransportWebSocket {
		return nil, errors.New("the websocket transport needs identity.access_token (a user token)")
	}
	if id.ClientID == "" || id.ClientSecret == "" {
		return nil, errors.New("identity.client_id and identity.client_secret are required")
	}
	return auth.NewClientCredentials(id.ClientID, id.ClientSecret, id.TokenURL, id.ValidateURL, httpClient, logger), nil
}

// openFilter builds the duplicate and age gate over the configured store.
func openFilter(ctx context.Context, cfg *config.Config) (*dedup.Filter, error) {
	dc := cfg.Delivery
	logger := log.WithComponent("dedup")

	var store dedup.Store
	switch dc.Store {
	case config.StoreSQLite:
		db, err := storage.OpenSQLite(ctx, dc.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = dedup.NewSQLiteStore(db, dc.PruneInterval, logger)
		logger.Info("message ledger opened", "path", dc.SQLitePath)
	case config.StoreRedis:
		rs, err := dedup.NewRedisStore(ctx, dedup.RedisOptions{
			Addr:     dc.Redis.Addr,
			Password: dc.Redis.Password,
			DB:       dc.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		store = rs
		logger.Info("shared message ledger connected", "addr", dc.Redis.Addr)
	default:
		store = dedup.NewMemoryStore()
	}

	return dedup.NewFilter(store, dedup.Options{
		IgnoreDuplicates: dc.IgnoreDuplicateMessages,
		IgnoreOld:        dc.IgnoreOldMessages,
		Window:           dc.DedupWindow,
		MaxAge:           dc.MaxMessageAge,
	}, logger), nil
}

// registerHandlers installs a logging handler for every configured type and
// for the synthetic lifecycle events. Events reach API listeners through the
// hub observer whether or not a handler exists.
func registerHandlers(client *tes.Client, cfg *config.Config, logger *slog.Logger) {
	for _, sub := range cfg.Subscriptions {
		client.On(sub.Type, func(ev eventsub.Event) {
			logger.Debug("event received",
				"event_type", ev.Type,
				"subscription_id", ev.Subscription.ID,
				"message_id", ev.MessageID,
			)
		})
	}
	client.On(eventsub.TypeRevocation, func(ev eventsub.Event) {
		logger.Warn("subscription revoked",
			"subscription_id", ev.Subscription.ID,
			"status", ev.Subscription.Status,
		)
	})
	client.On(eventsub.TypeConnectionLost, func(ev eventsub.Event) {
		logger.Warn("socket connection lost", "session_id", ev.Subscription.Transport.SessionID)
	})
}

func subscriptionTargets(subs []config.SubscriptionConf) []tes.Target {
	targets := make([]tes.Target, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, tes.Target{Type: s.Type, Version: s.Version, Condition: eventsub.Condition(s.Condition)})
	}
	return targets
}
