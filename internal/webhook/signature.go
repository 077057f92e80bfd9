// Package webhook ingests provider push notifications, verifies their
// signatures, resolves them to sync requests and manages the provider-side
// subscriptions that produce them.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// Signature header names used by the providers.
const (
	HeaderWithingsSignature = "X-Withings-Signature"
	HeaderFitbitSignature   = "X-Fitbit-Signature"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Secrets holds the per-provider webhook verification material.
// AllowUnsigned accepts notifications without a signature header, for
// development environments only.
type Secrets struct {
	Withings      string
	Fitbit        string
	AllowUnsigned bool
}

// VerifyWithings checks an HMAC-SHA256 hex signature over the raw body.
// The header value may carry a "sha256=" prefix.
func VerifyWithings(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	header = strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(header)), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyFitbit checks an HMAC-SHA1 base64 signature over the raw body.
// Fitbit keys the HMAC with the client secret followed by an ampersand.
func VerifyFitbit(clientSecret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	mac := hmac.New(sha1.New, []byte(clientSecret+"&"))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(header), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}
