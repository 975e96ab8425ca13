package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error callers see; it never says which check
// failed.
var errVerification = errors.New("webhook verification failed")

const sha256Prefix = "sha256="

func digest(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the "sha256=<hex>" signature of body under secret, the form
// GitHub sends. Useful for clients and tests.
func Sign(body []byte, secret string) string {
	return sha256Prefix + hex.EncodeToString(digest(body, secret))
}

// verifySignature accepts "sha256=<hex>" or bare hex (Gitea's form). Other
// algorithm prefixes such as "sha1=" are rejected.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" {
		return errVerification
	}
	encoded := strings.TrimSpace(signature)
	if algo, rest, ok := strings.Cut(encoded, "="); ok {
		if algo+"=" != sha256Prefix {
			return errVerification
		}
		encoded = rest
	}
	got, err := hex.DecodeString(encoded)
	if err != nil || len(got) != sha256.Size {
		return errVerification
	}
	if !hmac.Equal(digest(body, secret), got) {
		return errVerification
	}
	return nil
}
