package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature means the x-hub-signature header did not match the
// request body. The request is rejected before any processing.
var ErrBadSignature = errors.New("webhook signature mismatch")

// VerifySignature checks the ticket system's HMAC header against the raw
// request body. The header format is "sha256=<hex digest>"; any other
// method name is rejected before comparison.
func VerifySignature(body []byte, secret, header string) error {
	method, digest, found := strings.Cut(header, "=")
	if !found {
		return fmt.Errorf("malformed signature header: %w", ErrBadSignature)
	}
	if method != "sha256" {
		return fmt.Errorf("unsupported signature method %q: %w", method, ErrBadSignature)
	}

	provided, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("signature not hex: %w", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}
