package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

var (
	// ErrMissingSignature means the request carried no signature header at all.
	ErrMissingSignature = errors.New("webhook signature missing")
	// ErrSignatureMismatch covers every signature that is present but does not verify.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// algorithms accepted in the "<algo>=<hex>" signature header.
var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha1":   sha1.New,
	"sha512": sha512.New,
}

// VerifySignature checks signature against HMAC(secret, messageID+timestamp+body).
//
// The comparison is constant-time. Errors are deliberately coarse: an unknown
// algorithm, malformed hex and a wrong digest all return ErrSignatureMismatch.
func VerifySignature(secret, messageID, timestamp string, body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return ErrSignatureMismatch
	}

	newHash, actualMAC, err := parseSignature(signature)
	if err != nil {
		return ErrSignatureMismatch
	}

	expectedMAC := computeMAC(newHash, secret, messageID, timestamp, body)
	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// parseSignature splits "<algo>=<hex>" and decodes the digest.
func parseSignature(signature string) (func() hash.Hash, []byte, error) {
	algo, hexSig, ok := strings.Cut(signature, "=")
	if !ok {
		return nil, nil, ErrSignatureMismatch
	}
	newHash, ok := algorithms[strings.ToLower(strings.TrimSpace(algo))]
	if !ok {
		return nil, nil, ErrSignatureMismatch
	}
	mac, err := hex.DecodeString(strings.TrimSpace(hexSig))
	if err != nil {
		return nil, nil, err
	}
	return newHash, mac, nil
}

func computeMAC(newHash func() hash.Hash, secret, messageID, timestamp string, body []byte) []byte {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the "sha256=<hex>" header value the producer would send for
// the given message. Used by tests and by `tesgw` tooling that replays events.
func Sign(secret, messageID, timestamp string, body []byte) string {
	return "sha256=" + hex.EncodeToString(computeMAC(sha256.New, secret, messageID, timestamp, body))
}
