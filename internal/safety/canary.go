package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MarkerPrefix starts every leak marker. Detection looks for the prefix so a
// partially reproduced marker is still caught.
const MarkerPrefix = "GUARDRAIL_CANARY_"

// Marker is the deployment-specific string embedded in system instructions.
type Marker struct {
	token string
}

// NewMarker derives the marker from the server secret. Only a short hash of
// the secret appears in the token.
func NewMarker(secret []byte) Marker {
	sum := sha256.Sum256(secret)
	return Marker{token: MarkerPrefix + hex.EncodeToString(sum[:])[:8]}
}

// Token returns the full marker for embedding in instructions.
func (m Marker) Token() string {
	return m.token
}

// ContainsLeakMarker reports whether text contains the marker prefix.
func ContainsLeakMarker(text string) bool {
	return strings.Contains(text, MarkerPrefix)
}
