// Package webhooks receives provider callbacks. Every route verifies the
// provider's signature over the raw request before any state changes.
package webhooks

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go/helpers/eventwebhook"
	"github.com/twilio/twilio-go/client"
)

var ErrInvalidPublicKey = errors.New("invalid ecdsa public key")

// SignGHL returns the hex HMAC-SHA256 of body.
func SignGHL(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyGHL accepts the bare hex digest or a "sha256=" prefixed one.
func VerifyGHL(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(SignGHL(secret, body))
	return hmac.Equal(got, want)
}

// SignTwilio computes X-Twilio-Signature: base64 HMAC-SHA1 over the full
// request URL followed by each POST parameter name and value, sorted by name.
func SignTwilio(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyTwilio checks X-Twilio-Signature with the twilio-go request
// validator, which also tries the URL with and without its port.
func VerifyTwilio(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	flat := make(map[string]string, len(params))
	for k, v := range params {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	validator := client.NewRequestValidator(authToken)
	return validator.Validate(fullURL, flat, strings.TrimSpace(signature))
}

// ParseSendGridPublicKey decodes the base64 DER key shown in the SendGrid
// event webhook settings.
func ParseSendGridPublicKey(encoded string) (key *ecdsa.PublicKey, err error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	// The helper type-asserts the parsed key and panics on RSA or Ed25519.
	defer func() {
		if r := recover(); r != nil {
			key, err = nil, ErrInvalidPublicKey
		}
	}()
	key, err = eventwebhook.ConvertPublicKeyBase64ToECDSA(encoded)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return key, nil
}

// VerifySendGrid checks the base64 ASN.1 ECDSA signature over the
// timestamp header followed by the raw body.
func VerifySendGrid(key *ecdsa.PublicKey, timestamp string, body []byte, signature string) bool {
	if key == nil || timestamp == "" || signature == "" {
		return false
	}
	ok, err := eventwebhook.VerifySignature(key, body, strings.TrimSpace(signature), timestamp)
	return err == nil && ok
}

// sendGridTimestampFresh rejects signed events whose timestamp is more
// than maxSkew away from now, so a captured request cannot be replayed.
func sendGridTimestampFresh(timestamp string, now time.Time, maxSkew time.Duration) bool {
	secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(secs, 0))
	return skew <= maxSkew && skew >= -maxSkew
}
