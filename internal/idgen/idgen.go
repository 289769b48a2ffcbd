// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// Prefixes per record family.
const (
	EntryPrefix    = "ge-"
	GatepassPrefix = "gp-"
	APIKeyPrefix   = "ak-"
)

// SecretLength is the random length used for API key secrets.
var SecretLength = 32

// Generate returns a new unique ID with the given prefix.
func Generate(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// GenerateSecret returns a longer random token suitable for API keys. Only
// its hash is stored.
func GenerateSecret(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, SecretLength)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
