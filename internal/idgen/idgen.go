// Package idgen generates the random identifiers used on the wire: agent
// ids (128 random bits, hex) and correlation ids (64 random bits, hex).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AgentID returns a fresh 32-hex-character agent identifier.
func AgentID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate agent id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CorrelationID returns a fresh 16-hex-character correlation token.
func CorrelationID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate correlation id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MustCorrelationID panics on entropy failure; used where the caller has no
// sensible error path (e.g. constructing an outbound frame inline).
func MustCorrelationID() string {
	id, err := CorrelationID()
	if err != nil {
		panic(err)
	}
	return id
}
