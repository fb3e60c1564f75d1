package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/tesgw/internal/dedup"
	"github.com/mattjoyce/tesgw/internal/eventsub"
)

// Dispatcher receives the notifications that pass verification and filtering.
type Dispatcher interface {
	FireEvent(ev eventsub.Event) bool
	FireRevocation(sub eventsub.Subscription, messageID string) bool
}

// Filter decides whether a message is new and fresh enough to dispatch.
type Filter interface {
	Admit(ctx context.Context, messageID string, timestamp time.Time) dedup.Verdict
}

// ChallengeResolver is told about every verified challenge.
type ChallengeResolver interface {
	Resolve(subscriptionID string) bool
}

// Recorder counts webhook outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	WebhookRequest(result string)
	Message(transport, verdict string)
}

// Config holds webhook receiver configuration.
type Config struct {
	// Listen is the address used by Start. Unused when the handler is mounted
	// on a parent router.
	Listen string

	// Path is the callback path registered with the producer.
	Path string

	// Secret is the HMAC secret sent with every subscription creation.
	Secret string

	// MaxBodySize is the maximum accepted request body in bytes.
	MaxBodySize int64
}

// ErrorResponse is the JSON body of non-producer error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultPath        = "/teswh/event"
	DefaultMaxBodySize = 1048576 // 1 MB
)

// Request outcomes reported to the Recorder.
const (
	resultNotification = "notification"
	resultRevocation   = "revocation"
	resultChallenge    = "challenge"
	resultUnknown      = "unknown_type"
	resultUnauthorized = "unauthorized"
	resultForbidden    = "forbidden"
	resultTooLarge     = "too_large"
	resultBadRequest   = "bad_request"
)
