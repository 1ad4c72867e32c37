package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewParticipantID returns a fresh participant identifier.
func NewParticipantID() string {
	return "p_" + uuid.NewString()
}

// NewSessionID returns a fresh call session identifier.
func NewSessionID() string {
	return "s_" + uuid.NewString()
}

// NewStreamID returns an identifier for a local media stream (msid).
func NewStreamID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
