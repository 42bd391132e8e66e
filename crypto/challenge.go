package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"github.com/darkwyrm/b85"

	cs "github.com/mensago/mensagod/cryptostring"
)

const (
	// MinChallengeSize is the smallest permitted challenge, in raw bytes.
	MinChallengeSize = 32
	// MaxChallengeSize bounds challenges so a sealed challenge always fits
	// in a single protocol message.
	MaxChallengeSize = 256
)

var ErrChallengeConsumed = errors.New("challenge already consumed")

// A Challenge is a single-use random value used for proof-of-possession.
// The server seals the value to a claimed public key; a correct decryption
// returned by the client proves control of the matching private key. Once
// Verify has been called the challenge is dead, matched or not, so a value
// can never be replayed against a later attempt. A Challenge is owned by a
// single connection goroutine and needs no locking.
type Challenge struct {
	value    string
	consumed bool
}

// NewChallenge generates a challenge of size random bytes, clamped to
// [MinChallengeSize, MaxChallengeSize]. The value is kept base85-encoded so
// verification is a straight string comparison.
func NewChallenge(size int) (*Challenge, error) {
	if size < MinChallengeSize {
		size = MinChallengeSize
	}
	if size > MaxChallengeSize {
		size = MaxChallengeSize
	}

	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return &Challenge{value: b85.Encode(raw)}, nil
}

// Seal encrypts the challenge value to the recipient's public encryption key.
func (c *Challenge) Seal(recipient cs.CryptoString) (cs.CryptoString, error) {
	if c.consumed {
		return cs.CryptoString{}, ErrChallengeConsumed
	}
	return NewEncryptionKey(recipient).Encrypt([]byte(c.value))
}

// Verify consumes the challenge and reports whether the claimed plaintext
// matches. The comparison is constant-time and the challenge cannot be
// verified twice.
func (c *Challenge) Verify(response string) bool {
	if c.consumed {
		return false
	}
	c.consumed = true
	return subtle.ConstantTimeCompare([]byte(c.value), []byte(response)) == 1
}
