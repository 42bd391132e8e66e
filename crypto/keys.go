// Package crypto wraps the asymmetric primitives used by the trust engine:
// ED25519 signing pairs, CURVE25519 sealed-box encryption pairs, entry
// hashing, and the single-use challenges used for proof-of-possession.
// All keys, hashes, and signatures enter and leave this package as
// CryptoStrings so callers never touch raw key bytes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"

	cs "github.com/mensago/mensagod/cryptostring"
)

const (
	// SigningAlgorithm tags all signatures and verification keys.
	SigningAlgorithm = "ED25519"
	// EncryptionAlgorithm tags all encryption keys and sealed payloads.
	EncryptionAlgorithm = "CURVE25519"
)

var (
	ErrDecryptionFailure = errors.New("decryption failure")
	ErrBadKey            = errors.New("bad key")
)

// A VerificationKey verifies ED25519 signatures.
type VerificationKey struct {
	PublicKey cs.CryptoString
}

// NewVerificationKey wraps an ED25519 public key CryptoString.
func NewVerificationKey(key cs.CryptoString) *VerificationKey {
	return &VerificationKey{PublicKey: key}
}

// Verify checks an ED25519 signature over data.
func (vkey VerificationKey) Verify(data []byte, signature cs.CryptoString) (bool, error) {
	if vkey.PublicKey.Prefix != SigningAlgorithm || signature.Prefix != SigningAlgorithm {
		return false, cs.ErrUnsupportedAlgorithm
	}

	keyBytes := vkey.PublicKey.RawData()
	sigBytes := signature.RawData()
	if len(keyBytes) != ed25519.PublicKeySize || sigBytes == nil {
		return false, ErrBadKey
	}

	return ed25519.Verify(keyBytes, data, sigBytes), nil
}

// A SigningPair is an ED25519 keypair. The private half is the 32-byte seed,
// not the expanded 64-byte key, to match the wire representation.
type SigningPair struct {
	PublicKey  cs.CryptoString
	PrivateKey cs.CryptoString
}

// NewSigningPair wraps an existing ED25519 keypair.
func NewSigningPair(pubkey, privkey cs.CryptoString) *SigningPair {
	return &SigningPair{PublicKey: pubkey, PrivateKey: privkey}
}

// GenerateSigningPair creates a fresh ED25519 keypair.
func GenerateSigningPair() (*SigningPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningPair{
		PublicKey:  cs.FromBytes(SigningAlgorithm, pub),
		PrivateKey: cs.FromBytes(SigningAlgorithm, priv.Seed()),
	}, nil
}

// Sign produces an ED25519 signature over data.
func (pair SigningPair) Sign(data []byte) (cs.CryptoString, error) {
	if pair.PrivateKey.Prefix != SigningAlgorithm {
		return cs.CryptoString{}, cs.ErrUnsupportedAlgorithm
	}

	seed := pair.PrivateKey.RawData()
	if len(seed) != ed25519.SeedSize {
		return cs.CryptoString{}, ErrBadKey
	}

	sig := ed25519.Sign(ed25519.NewKeyFromSeed(seed), data)
	return cs.FromBytes(SigningAlgorithm, sig), nil
}

// Verify checks a signature against the pair's public half.
func (pair SigningPair) Verify(data []byte, signature cs.CryptoString) (bool, error) {
	return VerificationKey{PublicKey: pair.PublicKey}.Verify(data, signature)
}

// An EncryptionKey encrypts to a CURVE25519 public key using anonymous
// sealed boxes.
type EncryptionKey struct {
	PublicKey cs.CryptoString
}

// NewEncryptionKey wraps a CURVE25519 public key CryptoString.
func NewEncryptionKey(key cs.CryptoString) *EncryptionKey {
	return &EncryptionKey{PublicKey: key}
}

// Encrypt seals data to the key and returns a CURVE25519-tagged payload.
func (ekey EncryptionKey) Encrypt(data []byte) (cs.CryptoString, error) {
	if ekey.PublicKey.Prefix != EncryptionAlgorithm {
		return cs.CryptoString{}, cs.ErrUnsupportedAlgorithm
	}

	keyBytes := ekey.PublicKey.RawData()
	if len(keyBytes) != 32 {
		return cs.CryptoString{}, ErrBadKey
	}
	var pub [32]byte
	copy(pub[:], keyBytes)

	sealed, err := box.SealAnonymous(nil, data, &pub, rand.Reader)
	if err != nil {
		return cs.CryptoString{}, err
	}
	return cs.FromBytes(EncryptionAlgorithm, sealed), nil
}

// An EncryptionPair is a CURVE25519 keypair for anonymous sealed boxes.
type EncryptionPair struct {
	PublicKey  cs.CryptoString
	PrivateKey cs.CryptoString
}

// NewEncryptionPair wraps an existing CURVE25519 keypair.
func NewEncryptionPair(pubkey, privkey cs.CryptoString) *EncryptionPair {
	return &EncryptionPair{PublicKey: pubkey, PrivateKey: privkey}
}

// GenerateEncryptionPair creates a fresh CURVE25519 keypair.
func GenerateEncryptionPair() (*EncryptionPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &EncryptionPair{
		PublicKey:  cs.FromBytes(EncryptionAlgorithm, pub[:]),
		PrivateKey: cs.FromBytes(EncryptionAlgorithm, priv[:]),
	}, nil
}

// Encrypt seals data to the pair's public half.
func (pair EncryptionPair) Encrypt(data []byte) (cs.CryptoString, error) {
	return EncryptionKey{PublicKey: pair.PublicKey}.Encrypt(data)
}

// Decrypt opens a sealed payload with the pair's private half.
func (pair EncryptionPair) Decrypt(payload cs.CryptoString) ([]byte, error) {
	if pair.PrivateKey.Prefix != EncryptionAlgorithm ||
		payload.Prefix != EncryptionAlgorithm {
		return nil, cs.ErrUnsupportedAlgorithm
	}

	pubBytes := pair.PublicKey.RawData()
	privBytes := pair.PrivateKey.RawData()
	if len(pubBytes) != 32 || len(privBytes) != 32 {
		return nil, ErrBadKey
	}
	var pub, priv [32]byte
	copy(pub[:], pubBytes)
	copy(priv[:], privBytes)

	sealed := payload.RawData()
	if sealed == nil {
		return nil, ErrDecryptionFailure
	}

	out, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
	if !ok {
		return nil, ErrDecryptionFailure
	}
	return out, nil
}
