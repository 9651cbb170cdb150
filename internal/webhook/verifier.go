// Package webhook is the HTTP edge of the conversation core: it
// authenticates gateway deliveries, turns them into inbound messages and
// acknowledges within the gateway's timeout.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Signature"

// ErrAuthentication rejects a delivery whose signature does not match.
var ErrAuthentication = errors.New("webhook: signature mismatch")

// Trust is how much a delivery can be believed.
type Trust string

const (
	TrustVerified Trust = "verified"
	TrustUnsigned Trust = "unsigned"
)

// Verifier checks the shared-secret signature of a delivery.
type Verifier struct {
	secret  []byte
	require bool
}

// NewVerifier builds a verifier. With require set, deliveries without a
// signature are rejected instead of accepted as low-trust.
func NewVerifier(secret string, require bool) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), require: require}
}

// Verify reports the trust of body given the signature header value. With
// no secret configured nothing can be checked and every delivery is
// unsigned.
func (v *Verifier) Verify(body []byte, header string) (Trust, error) {
	header = strings.TrimSpace(header)
	if header == "" || len(v.secret) == 0 {
		if v.require {
			return "", ErrAuthentication
		}
		return TrustUnsigned, nil
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return "", ErrAuthentication
	}
	if !hmac.Equal(Sign(v.secret, body), provided) {
		return "", ErrAuthentication
	}
	return TrustVerified, nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor renders the header value a gateway would send for body.
func SignatureFor(secret string, body []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), body))
}
