package lock

import (
	"errors"

	"github.com/google/uuid"
	gouuid "github.com/hashicorp/go-uuid"
)

// TokenGenerator returns a fresh lock token. Tokens must be unique across
// every process competing for a lock, so they need to be unpredictable.
type TokenGenerator func() (string, error)

const tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultTokenLength is the length of tokens produced by the default
// generator, about 119 bits of entropy.
const DefaultTokenLength = 20

// errTokenLength is returned by RandomTokens for a non-positive length.
var errTokenLength = errors.New("redlock: token length must be positive")

// RandomTokens returns a generator of n-character alphanumeric tokens drawn
// from a cryptographically secure source.
func RandomTokens(n int) TokenGenerator {
	return func() (string, error) {
		if n <= 0 {
			return "", errTokenLength
		}
		// 248 is the largest multiple of 62 below 256; bytes above it are
		// dropped to keep the distribution uniform.
		const limit = 248
		out := make([]byte, 0, n)
		for len(out) < n {
			buf, err := gouuid.GenerateRandomBytes(n + n/4)
			if err != nil {
				return "", err
			}
			for _, b := range buf {
				if b >= limit {
					continue
				}
				out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
				if len(out) == n {
					break
				}
			}
		}
		return string(out), nil
	}
}

// UUIDTokens returns a generator of random (version 4) UUID tokens.
func UUIDTokens() TokenGenerator {
	return func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}
}
