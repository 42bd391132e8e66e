package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for registration codes. Codes are high-entropy
// diceware phrases, so the cost profile favors server throughput over a
// maximal work factor.
const (
	regcodeTime    = 1
	regcodeMemory  = 64 * 1024
	regcodeThreads = 4
	regcodeKeyLen  = 32
	regcodeSaltLen = 16
)

var ErrBadHashFormat = errors.New("bad password hash format")

// HashRegCode derives an argon2id hash of a registration code in the
// standard encoded form, with a fresh random salt.
func HashRegCode(code string) (string, error) {
	salt := make([]byte, regcodeSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	sum := argon2.IDKey([]byte(code), salt, regcodeTime, regcodeMemory,
		regcodeThreads, regcodeKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, regcodeMemory, regcodeTime, regcodeThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// VerifyRegCode checks a submitted code against an encoded hash in
// constant time. The cost parameters come from the hash, so old records
// stay verifiable after a parameter change.
func VerifyRegCode(code, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrBadHashFormat
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrBadHashFormat
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time,
		&threads); err != nil {
		return false, ErrBadHashFormat
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrBadHashFormat
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrBadHashFormat
	}

	sum := argon2.IDKey([]byte(code), salt, time, memory, threads,
		uint32(len(expected)))
	return subtle.ConstantTimeCompare(sum, expected) == 1, nil
}
