package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	// ErrInvalidToken is returned when the validate endpoint rejects a token.
	ErrInvalidToken = errors.New("access token is invalid")
	// ErrNoToken is returned when no token is configured.
	ErrNoToken = errors.New("no access token available")
)

// TokenInfo is the validate endpoint's description of a token.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ClientCredentials obtains app access tokens with the client-credentials grant.
type ClientCredentials struct {
	cfg         clientcredentials.Config
	httpClient  *http.Client
	validateURL string
	logger      *slog.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// NewClientCredentials creates a token source for the given application.
// httpClient may be nil.
func NewClientCredentials(clientID, clientSecret, tokenURL, validateURL string, httpClient *http.Client, logger *slog.Logger) *ClientCredentials {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient:  httpClient,
		validateURL: validateURL,
		logger:      logger,
	}
}

// Token returns the cached token, fetching a new one when none is held or
// the held one has expired. Concurrent callers wait for the same fetch.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid() {
		return c.token.AccessToken, nil
	}
	if err := c.fetchLocked(ctx); err != nil {
		return "", err
	}
	return c.token.AccessToken, nil
}

// Refresh discards the current token and fetches a new one.
func (c *ClientCredentials) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = nil
	return c.fetchLocked(ctx)
}

func (c *ClientCredentials) fetchLocked(ctx context.Context) error {
	c.logger.Debug("requesting app access token")
	tok, err := c.cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		return fmt.Errorf("client credentials grant: %w", err)
	}
	c.token = tok
	c.logger.Info("app access token acquired", "expires_at", tok.Expiry)
	return nil
}

// Validate checks the current token against the validate endpoint.
func (c *ClientCredentials) Validate(ctx context.Context) (*TokenInfo, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok == nil {
		return nil, ErrNoToken
	}
	return validate(ctx, c.httpClient, c.validateURL, tok.AccessToken)
}

// StaticToken serves a pre-issued user token. It cannot be refreshed.
type StaticToken struct {
	token       string
	httpClient  *http.Client
	validateURL string
	logger      *slog.Logger
}

// NewStaticToken wraps token. httpClient may be nil.
func NewStaticToken(token, validateURL string, httpClient *http.Client, logger *slog.Logger) *StaticToken {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &StaticToken{token: token, httpClient: httpClient, validateURL: validateURL, logger: logger}
}

func (s *StaticToken) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// Refresh re-validates the token; a rejected user token is a hard error.
func (s *StaticToken) Refresh(ctx context.Context) error {
	if _, err := s.Validate(ctx); err != nil {
		return fmt.Errorf("user token cannot be refreshed: %w", err)
	}
	return nil
}

func (s *StaticToken) Validate(ctx context.Context) (*TokenInfo, error) {
	if s.token == "" {
		return nil, ErrNoToken
	}
	return validate(ctx, s.httpClient, s.validateURL, s.token)
}

func validate(ctx context.Context, client *http.Client, validateURL, token string) (*TokenInfo, error) {
	if validateURL == "" {
		return nil, fmt.Errorf("no validate URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var info TokenInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, fmt.Errorf("decode validate response: %w", err)
		}
		return &info, nil
	case http.StatusUnauthorized:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("validate token: unexpected status %d", resp.StatusCode)
	}
}

// Validating is a token source whose token can be checked and renewed.
type Validating interface {
	Validate(ctx context.Context) (*TokenInfo, error)
	Refresh(ctx context.Context) error
}

// RunValidation checks src every interval and refreshes it when the token is
// rejected. It blocks until ctx ends.
func RunValidation(ctx context.Context, src Validating, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := src.Validate(ctx)
			switch {
			case err == nil:
				logger.Debug("access token valid", "expires_in", info.ExpiresIn)
			case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrNoToken):
				logger.Warn("access token rejected, refreshing")
				if err := src.Refresh(ctx); err != nil {
					logger.Error("access token refresh failed", "error", err)
				}
			default:
				logger.Warn("access token validation failed", "error", err)
			}
		}
	}
}
