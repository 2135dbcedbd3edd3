// Package token generates legacy shared-access-signature tokens for
// devices that authenticate with a symmetric key instead of an X.509
// client certificate.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies why token generation failed.
type ErrorKind string

const InvalidSecret ErrorKind = "InvalidSecret"

// Error is returned for any token-generation failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("token: %s: %s", e.Kind, e.Message)
}

// Config is the set of inputs needed to sign a token.
type Config struct {
	Host            string
	DeviceID        string
	SharedSecretB64 string
}

// Generate builds a SharedAccessSignature token valid until expiry.
func Generate(cfg Config, expiry time.Time) (string, error) {
	host := strings.ToLower(cfg.Host)
	resourceURI := host + "/devices/" + cfg.DeviceID

	secret, err := base64.StdEncoding.DecodeString(cfg.SharedSecretB64)
	if err != nil || len(secret) == 0 {
		return "", &Error{Kind: InvalidSecret, Message: "shared secret is not valid non-empty base64"}
	}

	expirySeconds := expiry.Unix()
	stringToSign := urlEncode(resourceURI) + "\n" + strconv.FormatInt(expirySeconds, 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(stringToSign))
	sigB64 := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return "SharedAccessSignature sr=" + urlEncode(resourceURI) +
		"&sig=" + urlEncode(sigB64) +
		"&se=" + strconv.FormatInt(expirySeconds, 10), nil
}

// urlEncode percent-encodes everything outside the RFC-3986 unreserved
// set (A-Z a-z 0-9 - _ . ~), using uppercase hex, matching the Azure SAS
// token encoding rules this module's wire format must reproduce exactly.
func urlEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}
