package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Pyrus delivers each webhook at most three times; the retry header states
// which attempt this is.
var allowedRetries = map[string]bool{
	"1/3": true,
	"2/3": true,
	"3/3": true,
}

// botUserAgentRE matches the Pyrus webhook User-Agent and captures the bot
// API version.
var botUserAgentRE = regexp.MustCompile(`^Pyrus-Bot-(\d+)$`)

// requiredBotVersion is the bot API version this engine speaks.
const requiredBotVersion = "4"

// maxBodyBytes caps the webhook request body.
const maxBodyBytes = 1 << 20

// VerifyRequest authenticates an incoming Pyrus webhook and returns the raw
// body on success. Checks, in order:
//
//   - User-Agent is "Pyrus-Bot-{N}" with N equal to the supported version
//   - X-Pyrus-Sig carries the hex HMAC-SHA1 of the raw body under secret
//     (an optional "sha1=" prefix is accepted); digests are compared in
//     constant time
//   - X-Pyrus-Retry is one of the delivery attempts Pyrus makes
//
// Any failure is reported as an error whose message is safe to echo back in
// the 400 response.
func VerifyRequest(r *http.Request, secret []byte) ([]byte, error) {
	ua := r.Header.Get("User-Agent")
	m := botUserAgentRE.FindStringSubmatch(ua)
	if m == nil {
		return nil, fmt.Errorf("unexpected User-Agent %q", ua)
	}
	if m[1] != requiredBotVersion {
		return nil, fmt.Errorf("unsupported bot version %q", m[1])
	}

	sig := r.Header.Get("X-Pyrus-Sig")
	if sig == "" {
		return nil, fmt.Errorf("missing X-Pyrus-Sig header")
	}
	sig = strings.TrimPrefix(sig, "sha1=")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("could not read the request body")
	}

	if !validSignature(body, sig, secret) {
		return nil, fmt.Errorf("signature mismatch")
	}

	retry := r.Header.Get("X-Pyrus-Retry")
	if !allowedRetries[retry] {
		return nil, fmt.Errorf("unexpected X-Pyrus-Retry %q", retry)
	}

	return body, nil
}

// validSignature compares the claimed hex digest against HMAC-SHA1 of the
// body in constant time.
func validSignature(body []byte, claimed string, secret []byte) bool {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(claimed)))
}
