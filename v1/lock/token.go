package lock

import (
	"encoding/hex"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
)

// DefaultTokenBytes is the entropy of tokens produced by the default source.
const DefaultTokenBytes = 16

// TokenSource produces ownership tokens. Every call must return a value that
// is unguessable and, with overwhelming probability, never repeats.
type TokenSource func() (string, error)

// RandomTokens returns a source of n crypto-random bytes rendered as hex.
// Values below DefaultTokenBytes are raised to it.
func RandomTokens(n int) TokenSource {
	if n < DefaultTokenBytes {
		n = DefaultTokenBytes
	}
	return func() (string, error) {
		b, err := hcuuid.GenerateRandomBytes(n)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	}
}

// UUIDTokens returns a source of random (version 4) UUID strings.
func UUIDTokens() TokenSource {
	return func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}
}
