package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"regexp"
	"strconv"
	"time"
)

const (
	// SecretPrefix starts every token secret.
	SecretPrefix = "glt_"

	// payloadLength is the number of random alphanumeric characters.
	payloadLength = 32

	// redactKeep is how many leading characters a redacted secret keeps.
	redactKeep = 12

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// maxUnbiased is the largest byte value below which v%len(alphabet) is uniform.
	maxUnbiased = 256 - (256 % len(alphabet))
)

var secretPattern = regexp.MustCompile(`^glt_[A-Za-z0-9]{32}_[0-9]+$`)

// errShortRead signals a random source that stopped producing bytes.
var errShortRead = errors.New("random source returned no data")

// IsWellFormed reports whether s matches the secret format
// glt_<32 alphanumerics>_<decimal millisecond timestamp>.
func IsWellFormed(s string) bool {
	return secretPattern.MatchString(s)
}

// Redact truncates a secret for display.
func Redact(secret string) string {
	if len(secret) <= redactKeep {
		return secret
	}
	return secret[:redactKeep] + "..."
}

// newSecret builds a secret from src. When src fails, the payload comes from
// math/rand/v2 and degraded is true.
func newSecret(src io.Reader, now time.Time) (secret string, degraded bool) {
	payload, err := randomAlphanumeric(src, payloadLength)
	if err != nil {
		payload = insecureAlphanumeric(payloadLength)
		degraded = true
	}
	return SecretPrefix + payload + "_" + strconv.FormatInt(now.UnixMilli(), 10), degraded
}

// randomAlphanumeric draws n characters from src with rejection sampling so
// every character of the alphabet is equally likely.
func randomAlphanumeric(src io.Reader, n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		read, err := src.Read(buf)
		if err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		if read == 0 {
			return "", errShortRead
		}
		for _, b := range buf[:read] {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func insecureAlphanumeric(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[mathrand.IntN(len(alphabet))] // #nosec G404 -- degraded fallback, flagged to caller
	}
	return string(out)
}

// defaultRandom is the secure source used by NewIssuer.
var defaultRandom io.Reader = rand.Reader
