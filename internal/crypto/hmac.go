package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Request authentication headers.
const (
	HeaderAccount   = "X-AMM-Account"
	HeaderTimestamp = "X-AMM-Timestamp"
	HeaderSignature = "X-AMM-Signature"
)

// RequestAuth holds the credentials an account uses to sign API requests.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body), base64.
type RequestAuth struct {
	Account string
	Secret  string
}

// Headers returns the signed request headers for the current time.
func (h *RequestAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *RequestAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAccount:   h.Account,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(h.Secret, ts, method, path, body),
	}
}

// Sign computes the base64 request signature.
func Sign(secret, ts, method, path, body string) string {
	return hmacSHA256Base64([]byte(secret), ts+method+path+body)
}

// Verify checks a request signature in constant time and rejects timestamps
// further than skew from now.
func Verify(secret, ts, method, path, body, signature string, now time.Time, skew time.Duration) error {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/hmac: invalid timestamp %q", ts)
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return fmt.Errorf("crypto/hmac: timestamp outside %s window", skew)
	}
	want := Sign(secret, ts, method, path, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("crypto/hmac: signature mismatch")
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *RequestAuth) String() string {
	secret := "****"
	if len(h.Secret) > 4 {
		secret = h.Secret[:4] + "****"
	}
	return fmt.Sprintf("RequestAuth{account=%s, secret=%s}", h.Account, secret)
}
