package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag carried in the X-Signature header.
const signaturePrefix = "sha256="

// VerifySignature checks an HMAC-SHA256 webhook signature of the form
// "sha256=<hex>" against the body. Comparison is constant-time.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody computes the X-Signature header value for a body. Used by the
// debug tracker and the test suite.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
