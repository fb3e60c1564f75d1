// Package helix is a small client for the EventSub subscription endpoints of
// the management API.
package helix

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/tesgw/internal/eventsub"
)

//go:generate mockgen -destination=mocks/mock_helix.go -package=mocks github.com/mattjoyce/tesgw/internal/helix TokenSource,Requester,SubscriptionService

var (
	// ErrNotFound is returned when a subscription lookup matches nothing.
	ErrNotFound = errors.New("subscription not found")
	// ErrConflict matches an APIError for a subscription that already exists.
	ErrConflict = errors.New("subscription already exists")
)

// APIError is a non-2xx response from the management API.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("management API returned status %d", e.Status)
	}
	return fmt.Sprintf("management API returned status %d: %s", e.Status, e.Message)
}

// Is lets callers test an APIError against ErrConflict and ErrNotFound.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Status == 409
	case ErrNotFound:
		return e.Status == 404
	}
	return false
}

// TokenSource supplies the bearer token for management API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Requester performs one authenticated API call. body is JSON-encoded when
// non-nil and a 2xx response is decoded into out when out is non-nil.
type Requester interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// SubscriptionService is the subset of the management API tesgw uses.
type SubscriptionService interface {
	CreateSubscription(ctx context.Context, req eventsub.CreateRequest) (eventsub.CreateResponse, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context, filter ListFilter, cursor string) (eventsub.ListResponse, error)
	ListAllSubscriptions(ctx context.Context, filter ListFilter) ([]eventsub.Subscription, error)
	FindSubscription(ctx context.Context, id string) (eventsub.Subscription, error)
	FindSubscriptionByCondition(ctx context.Context, subType string, cond eventsub.Condition) (eventsub.Subscription, error)
}

// ListFilter narrows a list call. The API accepts at most one field.
type ListFilter struct {
	Type   string
	Status string
	UserID string
}

func (f ListFilter) validate() error {
	n := 0
	for _, v := range []string{f.Type, f.Status, f.UserID} {
		if v != "" {
			n++
		}
	}
	if n > 1 {
		return errors.New("list filter accepts only one of type, status, user_id")
	}
	return nil
}

// Recorder receives one observation per HTTP round trip.
type Recorder interface {
	APIRequest(method string, status int)
}

type nopRecorder struct{}

func (nopRecorder) APIRequest(string, int) {}
