// Package signature verifies that confirmation messages were produced by the
// payment processor. Each channel has its own HMAC-SHA256 secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingSecret is returned when an Authenticator is built without a
// secret for one of its channels.
var ErrMissingSecret = errors.New("signature: signing secret is not configured")

// ErrSharedSecret is returned when both channels are configured with the
// same secret.
var ErrSharedSecret = errors.New("signature: client and webhook secrets must differ")

// Authenticator checks client-channel and webhook-channel signatures.
type Authenticator struct {
	clientSecret  []byte
	webhookSecret []byte
}

// NewAuthenticator returns an Authenticator for the given channel secrets.
// Both must be non-empty and distinct.
func NewAuthenticator(clientSecret, webhookSecret string) (*Authenticator, error) {
	if clientSecret == "" || webhookSecret == "" {
		return nil, ErrMissingSecret
	}
	if clientSecret == webhookSecret {
		return nil, ErrSharedSecret
	}
	return &Authenticator{
		clientSecret:  []byte(clientSecret),
		webhookSecret: []byte(webhookSecret),
	}, nil
}

// ClientPayload is the exact byte string signed on the client channel.
func ClientPayload(processorOrderID, processorPaymentID string) []byte {
	return []byte(processorOrderID + "|" + processorPaymentID)
}

// Sign returns the lowercase hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyClient reports whether signature authenticates the pair
// processorOrderID|processorPaymentID under the client secret.
func (a *Authenticator) VerifyClient(processorOrderID, processorPaymentID, signature string) bool {
	if processorOrderID == "" || processorPaymentID == "" {
		return false
	}
	return Verify(a.clientSecret, ClientPayload(processorOrderID, processorPaymentID), signature)
}

// VerifyWebhook reports whether signature authenticates rawBody, byte for
// byte as received, under the webhook secret.
func (a *Authenticator) VerifyWebhook(rawBody []byte, signature string) bool {
	return Verify(a.webhookSecret, rawBody, signature)
}

// Verify reports whether signature is the hex HMAC-SHA256 of payload under
// secret, compared in constant time.
func Verify(secret, payload []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided)
}
