package crypto

import (
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	cs "github.com/mensago/mensagod/cryptostring"
)

// DefaultHashAlgorithm is used whenever the caller has no reason to pick
// another supported digest.
const DefaultHashAlgorithm = "BLAKE2B-256"

// GenerateHash digests data with the named algorithm and returns the result
// as an algorithm-tagged CryptoString. Supported algorithms are BLAKE2B-256,
// SHA-256, and SHA3-256.
func GenerateHash(algorithm string, data []byte) (cs.CryptoString, error) {
	switch algorithm {
	case "BLAKE2B-256":
		sum := blake2b.Sum256(data)
		return cs.FromBytes(algorithm, sum[:]), nil
	case "SHA-256":
		sum := sha256.Sum256(data)
		return cs.FromBytes(algorithm, sum[:]), nil
	case "SHA3-256":
		sum := sha3.Sum256(data)
		return cs.FromBytes(algorithm, sum[:]), nil
	}
	return cs.CryptoString{}, cs.ErrUnsupportedAlgorithm
}

// CheckHash recomputes the digest of data using the algorithm carried by
// expected and compares the two in constant time.
func CheckHash(expected cs.CryptoString, data []byte) (bool, error) {
	actual, err := GenerateHash(expected.Prefix, data)
	if err != nil {
		return false, err
	}
	match := subtle.ConstantTimeCompare(expected.RawData(), actual.RawData()) == 1
	return match, nil
}
