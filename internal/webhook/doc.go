// Package webhook implements the EventSub webhook callback endpoint.
//
// The producer signs every request with the secret supplied at subscription
// creation. The receiver verifies that signature before looking at the body,
// answers verification challenges, and acknowledges notifications and
// revocations before dispatching them.
//
// # Security Model
//
//   - HMAC over message id + timestamp + raw body, compared with crypto/subtle
//   - Body size limits enforced before verification
//   - 401 when the signature header is absent, 403 for any other failure,
//     with fixed bodies that leak nothing about the cause
//   - Request logging excludes payloads and signatures
//
// # Request Flow
//
//  1. HTTP POST arrives at the callback path (default /teswh/event)
//  2. Body read, bounded by max_body_size (413 if too large)
//  3. Signature verified (401 / 403 on failure)
//  4. webhook_callback_verification: the challenge is echoed as text/plain
//     and the pending subscription is resolved
//  5. notification / revocation: 200 "OK" is written and flushed, then the
//     message runs through the dedup and age filter and is dispatched on its
//     own goroutine
//  6. Any other message type is acknowledged and logged
//
// # Example Usage
//
//	receiver := webhook.New(webhook.Config{
//		Listen: "127.0.0.1:8080",
//		Secret: os.Getenv("TESGW_WEBHOOK_SECRET"),
//	}, dispatcher, logger,
//		webhook.WithFilter(filter),
//		webhook.WithChallengeResolver(correlator),
//	)
//	if err := receiver.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
package webhook
