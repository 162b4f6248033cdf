// Package session manages the proxy's session identifiers: the legacy SSE
// session map and the Streamable HTTP session id format.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// idPattern is the accepted legacy session id format. Minted ids always
// match; the handler also validates ids received from clients against it.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// GenerateID mints a cryptographically random legacy session id.
// 32 random bytes, URL-safe base64 without padding: 43 chars of [A-Za-z0-9_-].
func GenerateID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidID reports whether id matches the legacy session id format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// GenerateStreamableID mints a Streamable HTTP session id (UUIDv4).
func GenerateStreamableID() string {
	return uuid.NewString()
}

// ValidStreamableID reports whether id is a well-formed UUIDv4.
func ValidStreamableID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && len(id) == 36
}
