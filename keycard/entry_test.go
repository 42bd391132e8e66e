package keycard

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensago/mensagod/crypto"
	cs "github.com/mensago/mensagod/cryptostring"
)

// orgKeySet carries the private halves needed to extend an org card.
type orgKeySet struct {
	signing    *crypto.SigningPair
	encryption *crypto.EncryptionPair
}

func makeOrgEntry(t *testing.T) (*Entry, *orgKeySet) {
	t.Helper()

	signing, err := crypto.GenerateSigningPair()
	require.NoError(t, err)
	encryption, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)

	entry := NewOrgEntry()
	entry.SetFields(map[string]string{
		"Name":                     "Acme Widgets, Inc.",
		"Domain":                   "acme.example.com",
		"Contact-Admin":            "11111111-2222-2222-2222-333333333333/acme.example.com",
		"Primary-Verification-Key": signing.PublicKey.AsString(),
		"Encryption-Key":           encryption.PublicKey.AsString(),
	})

	require.NoError(t, entry.GenerateHash(crypto.DefaultHashAlgorithm))
	require.NoError(t, entry.Sign(signing.PrivateKey, "Organization"))

	return entry, &orgKeySet{signing: signing, encryption: encryption}
}

// userKeySet carries the private halves needed to extend a user card.
type userKeySet struct {
	crSigning  *crypto.SigningPair
	signing    *crypto.SigningPair
	crEncrypt  *crypto.EncryptionPair
	encryption *crypto.EncryptionPair
}

func makeUserEntry(t *testing.T, orgKeys *orgKeySet) (*Entry, *userKeySet) {
	t.Helper()

	keys := &userKeySet{}
	var err error
	keys.crSigning, err = crypto.GenerateSigningPair()
	require.NoError(t, err)
	keys.signing, err = crypto.GenerateSigningPair()
	require.NoError(t, err)
	keys.crEncrypt, err = crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	keys.encryption, err = crypto.GenerateEncryptionPair()
	require.NoError(t, err)

	entry := NewUserEntry()
	entry.SetFields(map[string]string{
		"Name":                             "Corbin Simons",
		"User-ID":                          "csimons",
		"Workspace-ID":                     uuid.NewString(),
		"Domain":                           "acme.example.com",
		"Contact-Request-Verification-Key": keys.crSigning.PublicKey.AsString(),
		"Contact-Request-Encryption-Key":   keys.crEncrypt.PublicKey.AsString(),
		"Encryption-Key":                   keys.encryption.PublicKey.AsString(),
		"Verification-Key":                 keys.signing.PublicKey.AsString(),
	})

	require.NoError(t, entry.Sign(orgKeys.signing.PrivateKey, "Organization"))
	require.NoError(t, entry.GenerateHash(crypto.DefaultHashAlgorithm))
	require.NoError(t, entry.Sign(keys.crSigning.PrivateKey, "User"))

	return entry, keys
}

func TestOrgEntryCompliance(t *testing.T) {
	entry, keys := makeOrgEntry(t)

	assert.True(t, entry.IsDataCompliant())
	assert.True(t, entry.IsCompliant())

	ok, err := entry.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = entry.VerifySignature(keys.signing.PublicKey, "Organization")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUserEntryCompliance(t *testing.T) {
	_, orgKeys := makeOrgEntry(t)
	entry, userKeys := makeUserEntry(t, orgKeys)

	assert.True(t, entry.IsDataCompliant())
	assert.True(t, entry.IsCompliant())

	ok, err := entry.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = entry.VerifySignature(orgKeys.signing.PublicKey, "Organization")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = entry.VerifySignature(userKeys.crSigning.PublicKey, "User")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEntryDataCompliance(t *testing.T) {
	entry, _ := makeOrgEntry(t)

	delete(entry.Fields, "Contact-Admin")
	assert.False(t, entry.IsDataCompliant())

	entry.Fields["Contact-Admin"] = "not-an-address"
	assert.False(t, entry.IsDataCompliant())

	entry.Fields["Contact-Admin"] = "admin/acme.example.com"
	assert.True(t, entry.IsDataCompliant())

	entry.Fields["Time-To-Live"] = "45"
	assert.False(t, entry.IsDataCompliant())
}

func TestEntrySerializationRoundTrip(t *testing.T) {
	entry, keys := makeOrgEntry(t)

	serialized := entry.MakeByteString(-1)
	parsed, err := NewEntryFromData(string(serialized))
	require.NoError(t, err)

	assert.Equal(t, serialized, parsed.MakeByteString(-1))
	assert.True(t, parsed.IsCompliant())

	ok, err := parsed.VerifySignature(keys.signing.PublicKey, "Organization")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = parsed.VerifyHash()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEntrySignatureOrder(t *testing.T) {
	_, orgKeys := makeOrgEntry(t)
	entry, userKeys := makeUserEntry(t, orgKeys)

	// re-signing a lower slot discards everything above it
	require.NoError(t, entry.Sign(orgKeys.signing.PrivateKey, "Organization"))
	assert.False(t, entry.Hash.IsValid())
	assert.Empty(t, entry.Signatures["User"])
	assert.False(t, entry.IsCompliant())

	require.NoError(t, entry.GenerateHash(crypto.DefaultHashAlgorithm))
	require.NoError(t, entry.Sign(userKeys.crSigning.PrivateKey, "User"))
	assert.True(t, entry.IsCompliant())
}

func TestEntryEditInvalidates(t *testing.T) {
	entry, _ := makeOrgEntry(t)
	require.True(t, entry.IsCompliant())

	entry.SetField("Name", "Acme Widgets LLC")
	assert.Empty(t, entry.Signatures)
	assert.False(t, entry.Hash.IsValid())
	assert.False(t, entry.IsCompliant())
}

func TestEntryChain(t *testing.T) {
	first, keys := makeOrgEntry(t)

	second, newKeys, err := first.Chain(keys.signing.PrivateKey)
	require.NoError(t, err)
	require.NotEmpty(t, second.Signatures["Custody"])
	assert.Equal(t, first.Index()+1, second.Index())

	second.PrevHash = first.Hash
	require.NoError(t, second.GenerateHash(crypto.DefaultHashAlgorithm))
	require.NoError(t, second.Sign(newKeys["Primary-Verification-Key.private"], "Organization"))
	require.True(t, second.IsCompliant())

	ok, err := second.VerifyChain(first)
	require.NoError(t, err)
	assert.True(t, ok)

	// out-of-sequence index breaks the chain
	tampered, err := NewEntryFromData(string(second.MakeByteString(-1)))
	require.NoError(t, err)
	tampered.Fields["Index"] = "5"
	ok, _ = tampered.VerifyChain(first)
	assert.False(t, ok)
}

func TestEntryChainHashMismatch(t *testing.T) {
	first, keys := makeOrgEntry(t)

	second, newKeys, err := first.Chain(keys.signing.PrivateKey)
	require.NoError(t, err)

	var bogus cs.CryptoString
	sum, err := crypto.GenerateHash(crypto.DefaultHashAlgorithm, []byte("unrelated"))
	require.NoError(t, err)
	bogus = sum

	second.PrevHash = bogus
	require.NoError(t, second.GenerateHash(crypto.DefaultHashAlgorithm))
	require.NoError(t, second.Sign(newKeys["Primary-Verification-Key.private"], "Organization"))

	ok, _ := second.VerifyChain(first)
	assert.False(t, ok)
}
