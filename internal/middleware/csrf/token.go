package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	randomBytes = 32
	randomLen   = randomBytes * 2 // hex
	sigLen      = sha256.Size * 2 // hex
	// TokenLen is the length of every well-formed token.
	TokenLen = randomLen + 1 + sigLen
)

// Codec issues and verifies anti-forgery tokens of the form
// "<random>.<signature>", where signature is HMAC-SHA256(secret, random).
// Tokens carry no expiry; the cookie lifetime bounds them.
type Codec struct {
	secret []byte
}

// NewCodec returns a codec keyed by secret. The secret is copied.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: append([]byte(nil), secret...)}
}

// Generate returns a fresh token.
func (c *Codec) Generate() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: reading random bytes: %w", err)
	}
	random := hex.EncodeToString(buf)
	return random + "." + c.sign(random), nil
}

// Validate reports whether token was issued by a codec with the same secret.
// Malformed input returns false.
func (c *Codec) Validate(token string) bool {
	if len(token) != TokenLen {
		return false
	}
	random, sig, ok := strings.Cut(token, ".")
	if !ok || len(random) != randomLen || len(sig) != sigLen {
		return false
	}
	if !isLowerHex(random) || !isLowerHex(sig) {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(c.sign(random)))
}

func (c *Codec) sign(random string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(random))
	return hex.EncodeToString(mac.Sum(nil))
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b < '0' || b > '9') && (b < 'a' || b > 'f') {
			return false
		}
	}
	return true
}
