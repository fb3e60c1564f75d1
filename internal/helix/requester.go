package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPRequester is the Requester used in production.
type HTTPRequester struct {
	baseURL  string
	clientID string
	tokens   TokenSource
	client   *http.Client
	recorder Recorder
	logger   *slog.Logger
}

// Option configures an HTTPRequester.
type Option func(*HTTPRequester)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPRequester) { r.client = c }
}

// WithRecorder reports every round trip to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *HTTPRequester) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// NewRequester creates a requester rooted at baseURL.
func NewRequester(baseURL, clientID string, tokens TokenSource, logger *slog.Logger, opts ...Option) *HTTPRequester {
	r := &HTTPRequester{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		tokens:   tokens,
		client:   &http.Client{Timeout: 10 * time.Second},
		recorder: nopRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do sends the request. A 401 triggers one token refresh and one retry.
func (r *HTTPRequester) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := r.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			r.logger.Warn("management API rejected token, refreshing", "method", method, "path", path)
			if err := r.tokens.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh token after 401: %w", err)
			}
			continue
		}
		return decodeResponse(resp, out)
	}
}

func (r *HTTPRequester) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Id", r.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	r.recorder.APIRequest(method, resp.StatusCode)
	r.logger.Debug("management API call", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
