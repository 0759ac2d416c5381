package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateID returns a 16-character hex ID for hosts, databases and snapshots.
func GenerateID() (string, error) {
	b := make([]byte, 8) //nolint:mnd
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewEventID returns a random UUID that consumers use to drop redelivered events.
func NewEventID() string { return uuid.NewString() }
