package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// verifySignature implements spec.md §4.4 step 4. With no secret configured
// and signatures not required, verification trivially passes.
func verifySignature(body []byte, secret string, signatureHeader string, requireSignature bool) bool {
	if !requireSignature && secret == "" {
		return true
	}
	if secret == "" {
		return false
	}
	if signatureHeader == "" || !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// normalizePath ensures a leading slash and strips any query string.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// normalizeToken mirrors github_webhook.py's normalize_token: lowercase,
// leading/trailing whitespace trimmed, internal spaces preserved.
func normalizeToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
