// Package utils provides small shared helpers for ID generation,
// retry logic, and duration handling used throughout the engine.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID returns a new UUID v4 suitable as a workflow run identifier.
func GenerateRunID() string {
	return uuid.NewString()
}

// GenerateTraceID generates a trace ID in the format "trace-{randomHex}-{timestamp}".
// The timestamp suffix keeps IDs roughly sortable by creation time.
func GenerateTraceID() string {
	id, err := GenerateRandomID(16)
	if err != nil {
		// crypto/rand failure is not recoverable, fall back to a uuid
		return fmt.Sprintf("trace-%s-%d", uuid.NewString(), time.Now().Unix())
	}
	return fmt.Sprintf("trace-%s-%d", id, time.Now().Unix())
}

// GenerateRandomID generates a cryptographically secure random hex ID of the
// given length. For odd lengths the result is one character shorter because
// each random byte encodes to two hex characters.
func GenerateRandomID(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
