package ids

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a 32-char hex identifier for connections, events and history rows.
func New() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewSessionID returns the canonical textual form of a random UUID.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether raw is a well-formed session identifier.
func ValidSessionID(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}
