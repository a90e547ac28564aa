package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// hmacAuth signs SIGNED endpoint query strings.
type hmacAuth struct {
	key    string
	secret string
}

// sign returns the hex HMAC-SHA256 of payload under the API secret.
func (h hmacAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h hmacAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("hmacAuth{key=%s, secret=%s}", redact(h.key), redact(h.secret))
}
