package server

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mensago/mensagod/crypto"
	cs "github.com/mensago/mensagod/cryptostring"
)

// OrgKeys holds the organization's signing and encryption pairs. The
// signing pair matches the Primary-Verification-Key of the org keycard
// head; the encryption pair matches its Encryption-Key.
type OrgKeys struct {
	Signing    *crypto.SigningPair
	Encryption *crypto.EncryptionPair
}

// orgKeyFile is the on-disk TOML form, keys as CryptoString text.
type orgKeyFile struct {
	PrimaryVerification string `toml:"primary_verification_key"`
	PrimarySigning      string `toml:"primary_signing_key"`
	EncryptionPublic    string `toml:"encryption_public_key"`
	EncryptionPrivate   string `toml:"encryption_private_key"`
}

// GenerateOrgKeys creates fresh organization keypairs.
func GenerateOrgKeys() (*OrgKeys, error) {
	signing, err := crypto.GenerateSigningPair()
	if err != nil {
		return nil, err
	}
	encryption, err := crypto.GenerateEncryptionPair()
	if err != nil {
		return nil, err
	}
	return &OrgKeys{Signing: signing, Encryption: encryption}, nil
}

// SaveOrgKeys writes the keys as a mode-0600 TOML file.
func SaveOrgKeys(keys *OrgKeys, path string) error {
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer handle.Close()

	return toml.NewEncoder(handle).Encode(orgKeyFile{
		PrimaryVerification: keys.Signing.PublicKey.AsString(),
		PrimarySigning:      keys.Signing.PrivateKey.AsString(),
		EncryptionPublic:    keys.Encryption.PublicKey.AsString(),
		EncryptionPrivate:   keys.Encryption.PrivateKey.AsString(),
	})
}

// LoadOrgKeys reads a key file written by SaveOrgKeys.
func LoadOrgKeys(path string) (*OrgKeys, error) {
	var file orgKeyFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("load org keys %s: %w", path, err)
	}

	keys := &OrgKeys{
		Signing:    &crypto.SigningPair{},
		Encryption: &crypto.EncryptionPair{},
	}
	for _, item := range []struct {
		value  string
		target *cs.CryptoString
	}{
		{file.PrimaryVerification, &keys.Signing.PublicKey},
		{file.PrimarySigning, &keys.Signing.PrivateKey},
		{file.EncryptionPublic, &keys.Encryption.PublicKey},
		{file.EncryptionPrivate, &keys.Encryption.PrivateKey},
	} {
		if err := item.target.Set(item.value); err != nil {
			return nil, fmt.Errorf("bad key in %s: %w", path, err)
		}
	}
	return keys, nil
}
