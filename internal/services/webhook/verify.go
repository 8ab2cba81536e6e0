package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrSignatureVerification rejects a request whose signature or
	// credentials do not match. No state is touched.
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	// ErrNotConfigured rejects a request for a provider with no webhook
	// credential configured.
	ErrNotConfigured = errors.New("webhook credential not configured")
	// ErrInvalidPayload means the body could not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// VerifyGitHubSignature checks an X-Hub-Signature-256 header against the
// HMAC-SHA256 of body.
func VerifyGitHubSignature(secret string, body []byte, signature string) bool {
	if secret == "" || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(signature, "sha256=")), []byte(expectedMAC))
}

// VerifyBasicAuth checks an Authorization header against the configured
// service hook credentials in constant time.
func VerifyBasicAuth(header, username, password string) bool {
	const prefix = "Basic "
	if password == "" || len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
	return userOK && passOK
}

// organizationFromURL extracts the organization from an Azure DevOps
// collection URL: https://dev.azure.com/{org}/ or https://{org}.visualstudio.com/.
func organizationFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if org, ok := strings.CutSuffix(host, ".visualstudio.com"); ok {
		return org
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	org, _, _ := strings.Cut(path, "/")
	return org
}
