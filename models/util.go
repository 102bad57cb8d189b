package models

import (
	"fmt"

	"github.com/google/uuid"
)

// systemIDAlphabet leaves out characters that are easy to confuse.
const systemIDAlphabet = "abcdefghjkmnpqrstuvwxy23456789"

// GenerateID generates a unique ID with the given prefix
// Example: GenerateID("scriptset") -> "scriptset:uuid-here"
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s:%s", prefix, uuid.New().String())
}

// GenerateSystemID returns a short random machine identifier such as "4y3h7n".
func GenerateSystemID() string {
	raw := uuid.New()
	id := make([]byte, 6)
	for i := range id {
		id[i] = systemIDAlphabet[int(raw[i])%len(systemIDAlphabet)]
	}
	return string(id)
}

// GenerateToken returns a fresh opaque token value.
func GenerateToken() string {
	return uuid.NewString()
}
