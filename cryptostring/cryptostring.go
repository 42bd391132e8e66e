// Package cryptostring implements the algorithm-tagged string format used for
// every key, hash, and signature that crosses the wire. A CryptoString looks
// like ALGORITHM:xxxxxxxx, where the payload is Base85 (RFC 1924) encoded so
// that the representation stays stable across algorithm changes.
package cryptostring

import (
	"errors"
	"regexp"
	"strings"

	"github.com/darkwyrm/b85"
)

// ErrUnsupportedAlgorithm is returned by consumers of this package when a
// CryptoString carries an algorithm prefix they cannot handle.
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

var prefixPattern = regexp.MustCompile(`^[A-Z0-9-]{1,15}$`)

// A CryptoString holds a cryptographic value alongside the name of the
// algorithm that produced it. The prefix is limited to 16 characters
// including the colon separator and may contain only capital ASCII letters,
// digits, and dashes.
type CryptoString struct {
	Prefix string
	Data   string
}

// New creates a CryptoString from a formatted string. Invalid input yields an
// empty, invalid CryptoString.
func New(s string) CryptoString {
	var out CryptoString
	out.Set(s)
	return out
}

// FromBytes builds a CryptoString from an algorithm name and raw bytes.
func FromBytes(algorithm string, data []byte) CryptoString {
	if !prefixPattern.MatchString(algorithm) || len(data) == 0 {
		return CryptoString{}
	}
	return CryptoString{Prefix: algorithm, Data: b85.Encode(data)}
}

// Set parses a CryptoString-formatted string into the object.
func (cs *CryptoString) Set(s string) error {
	cs.Prefix = ""
	cs.Data = ""

	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || !prefixPattern.MatchString(parts[0]) || len(parts[1]) < 1 {
		return errors.New("bad cryptostring format")
	}

	if _, err := b85.Decode(parts[1]); err != nil {
		return errors.New("base85 decoding error")
	}

	cs.Prefix = parts[0]
	cs.Data = parts[1]
	return nil
}

// AsString returns the canonical ALGORITHM:data form.
func (cs CryptoString) AsString() string {
	return cs.Prefix + ":" + cs.Data
}

// AsBytes returns the canonical form as bytes.
func (cs CryptoString) AsBytes() []byte {
	return []byte(cs.AsString())
}

// RawData decodes and returns the payload. It returns nil on decode failure.
func (cs CryptoString) RawData() []byte {
	out, err := b85.Decode(cs.Data)
	if err != nil {
		return nil
	}
	return out
}

// IsValid reports whether the object holds a well-formed value.
func (cs CryptoString) IsValid() bool {
	if !prefixPattern.MatchString(cs.Prefix) || len(cs.Data) < 1 {
		return false
	}
	_, err := b85.Decode(cs.Data)
	return err == nil
}

// MakeEmpty returns the object to an uninitialized state.
func (cs *CryptoString) MakeEmpty() {
	cs.Prefix = ""
	cs.Data = ""
}
