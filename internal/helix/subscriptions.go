package helix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mattjoyce/tesgw/internal/eventsub"
)

const subscriptionsPath = "/eventsub/subscriptions"

// Client implements SubscriptionService on top of a Requester.
type Client struct {
	req Requester
}

// New creates a Client.
func New(req Requester) *Client {
	return &Client{req: req}
}

// CreateSubscription registers a subscription. An existing identical
// subscription yields an error matching ErrConflict.
func (c *Client) CreateSubscription(ctx context.Context, req eventsub.CreateRequest) (eventsub.CreateResponse, error) {
	var resp eventsub.CreateResponse
	if err := c.req.Do(ctx, http.MethodPost, subscriptionsPath, req, &resp); err != nil {
		return eventsub.CreateResponse{}, fmt.Errorf("create %s subscription: %w", req.Type, err)
	}
	if _, ok := resp.Subscription(); !ok {
		return eventsub.CreateResponse{}, fmt.Errorf("create %s subscription: empty response", req.Type)
	}
	return resp, nil
}

// DeleteSubscription removes a subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	q := url.Values{"id": {id}}
	if err := c.req.Do(ctx, http.MethodDelete, subscriptionsPath+"?"+q.Encode(), nil, nil); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// ListSubscriptions returns one page. An empty cursor starts from the beginning.
func (c *Client) ListSubscriptions(ctx context.Context, filter ListFilter, cursor string) (eventsub.ListResponse, error) {
	if err := filter.validate(); err != nil {
		return eventsub.ListResponse{}, err
	}
	q := url.Values{}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	path := subscriptionsPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp eventsub.ListResponse
	if err := c.req.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return eventsub.ListResponse{}, fmt.Errorf("list subscriptions: %w", err)
	}
	return resp, nil
}

// ListAllSubscriptions follows the cursor to the last page.
func (c *Client) ListAllSubscriptions(ctx context.Context, filter ListFilter) ([]eventsub.Subscription, error) {
	var all []eventsub.Subscription
	err := c.walk(ctx, filter, func(s eventsub.Subscription) bool {
		all = append(all, s)
		return false
	})
	return all, err
}

// FindSubscription pages until a subscription with id is seen.
func (c *Client) FindSubscription(ctx context.Context, id string) (eventsub.Subscription, error) {
	return c.find(ctx, ListFilter{}, func(s eventsub.Subscription) bool { return s.ID == id })
}

// FindSubscriptionByCondition pages subscriptions of subType until one has
// exactly cond.
func (c *Client) FindSubscriptionByCondition(ctx context.Context, subType string, cond eventsub.Condition) (eventsub.Subscription, error) {
	return c.find(ctx, ListFilter{Type: subType}, func(s eventsub.Subscription) bool {
		return s.Type == subType && s.Condition.Equal(cond)
	})
}

func (c *Client) find(ctx context.Context, filter ListFilter, match func(eventsub.Subscription) bool) (eventsub.Subscription, error) {
	var found eventsub.Subscription
	ok := false
	err := c.walk(ctx, filter, func(s eventsub.Subscription) bool {
		if match(s) {
			found, ok = s, true
			return true
		}
		return false
	})
	if err != nil {
		return eventsub.Subscription{}, err
	}
	if !ok {
		return eventsub.Subscription{}, ErrNotFound
	}
	return found, nil
}

// walk visits every subscription until visit returns true.
func (c *Client) walk(ctx context.Context, filter ListFilter, visit func(eventsub.Subscription) bool) error {
	cursor := ""
	for {
		page, err := c.ListSubscriptions(ctx, filter, cursor)
		if err != nil {
			return err
		}
		for _, s := range page.Data {
			if visit(s) {
				return nil
			}
		}
		if page.Pagination.Cursor == "" || page.Pagination.Cursor == cursor {
			return nil
		}
		cursor = page.Pagination.Cursor
	}
}
