package keycard

import (
	"errors"
	"fmt"
	"os"
	"strings"

	cs "github.com/mensago/mensagod/cryptostring"
)

// A Keycard is an owner's full entry chain, oldest first.
type Keycard struct {
	Type    string
	Entries []*Entry
}

// New creates an empty keycard for the given owner type.
func New(cardType string) *Keycard {
	return &Keycard{Type: cardType}
}

// Current returns the newest entry, or nil for an empty card.
func (card *Keycard) Current() *Entry {
	if len(card.Entries) < 1 {
		return nil
	}
	return card.Entries[len(card.Entries)-1]
}

// entryMarker returns the transfer framing for the card's owner type.
func (card *Keycard) entryMarker() (string, string) {
	kind := "USER"
	if card.Type == TypeOrganization {
		kind = "ORG"
	}
	return "----- BEGIN " + kind + " ENTRY -----\r\n", "----- END " + kind + " ENTRY -----\r\n"
}

// AppendFromData parses one or more framed entries from transfer data and
// appends them to the card.
func (card *Keycard) AppendFromData(data string) error {
	begin, end := card.entryMarker()

	rest := data
	appended := 0
	for {
		start := strings.Index(rest, begin)
		if start < 0 {
			break
		}
		rest = rest[start+len(begin):]
		stop := strings.Index(rest, end)
		if stop < 0 {
			return ErrBadEntryData
		}

		entry, err := NewEntryFromData(rest[:stop])
		if err != nil {
			return err
		}
		if entry.Type != card.Type {
			return ErrBadEntryData
		}
		card.Entries = append(card.Entries, entry)
		appended++
		rest = rest[stop+len(end):]
	}

	if appended < 1 {
		return ErrBadEntryData
	}
	return nil
}

// MakeByteString serializes the whole card in transfer framing.
func (card *Keycard) MakeByteString() []byte {
	begin, end := card.entryMarker()

	var builder strings.Builder
	for _, entry := range card.Entries {
		builder.WriteString(begin)
		builder.Write(entry.MakeByteString(-1))
		builder.WriteString(end)
	}
	return []byte(builder.String())
}

// VerifyChain checks the whole card: every entry fully compliant with a
// verifying hash, every adjacent pair linked by index, previous-hash, and
// custody signature, and every entry carrying owner and organization
// signatures that actually verify. orgKeys holds the verification keys
// trusted to have made the Organization signatures; a user card requires
// at least one. An organization card counter-signs each entry with its
// own primary key, and when orgKeys is non-empty the root entry must
// additionally verify against one of them.
func (card *Keycard) VerifyChain(orgKeys []cs.CryptoString) error {
	if len(card.Entries) < 1 {
		return errors.New("empty keycard")
	}

	for i, entry := range card.Entries {
		if !entry.IsCompliant() {
			return fmt.Errorf("%w: entry %d", ErrNoncompliantEntry, i+1)
		}
		ok, err := entry.VerifyHash()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		if !ok {
			return fmt.Errorf("entry %d: hash mismatch", i+1)
		}
		if err = card.verifyOwnerSignatures(i, entry, orgKeys); err != nil {
			return err
		}

		if i == 0 {
			continue
		}
		ok, err = entry.VerifyChain(card.Entries[i-1])
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
		if !ok {
			return fmt.Errorf("entry %d: broken custody chain", i+1)
		}
	}
	return nil
}

// verifyOwnerSignatures checks the signatures a tampered chain cannot
// reproduce without the right private keys: the Organization signature
// and, for user entries, the owner's own signature. The hash slot sits
// above the Organization slot on user entries, so a matching hash alone
// proves nothing about who counter-signed.
func (card *Keycard) verifyOwnerSignatures(pos int, entry *Entry,
	orgKeys []cs.CryptoString) error {

	if card.Type == TypeUser {
		if len(orgKeys) == 0 {
			return errors.New("no trusted organization keys")
		}
		if !verifiesAgainstAny(entry, "Organization", orgKeys) {
			return fmt.Errorf("entry %d: organization signature unverified", pos+1)
		}

		ownKey := cs.New(entry.Fields["Contact-Request-Verification-Key"])
		ok, err := entry.VerifySignature(ownKey, "User")
		if err != nil {
			return fmt.Errorf("entry %d: %w", pos+1, err)
		}
		if !ok {
			return fmt.Errorf("entry %d: user signature mismatch", pos+1)
		}
		return nil
	}

	ownKey := cs.New(entry.Fields["Primary-Verification-Key"])
	ok, err := entry.VerifySignature(ownKey, "Organization")
	if err != nil {
		return fmt.Errorf("entry %d: %w", pos+1, err)
	}
	if !ok {
		return fmt.Errorf("entry %d: organization signature mismatch", pos+1)
	}
	if pos == 0 && len(orgKeys) > 0 && !verifiesAgainstAny(entry, "Organization", orgKeys) {
		return errors.New("root entry not signed by a trusted key")
	}
	return nil
}

func verifiesAgainstAny(entry *Entry, sigtype string, keys []cs.CryptoString) bool {
	for _, key := range keys {
		if ok, err := entry.VerifySignature(key, sigtype); err == nil && ok {
			return true
		}
	}
	return false
}

// Save writes the card to a file in transfer framing.
func (card *Keycard) Save(path string, clobber bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !clobber {
		flags |= os.O_EXCL
	}
	handle, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = handle.Write(card.MakeByteString())
	return err
}

// Load reads a card saved by Save. The owner type is inferred from the
// first framing marker.
func Load(path string) (*Keycard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := string(data)
	card := New(TypeOrganization)
	if strings.Contains(text, "BEGIN USER ENTRY") {
		card = New(TypeUser)
	}
	if err = card.AppendFromData(text); err != nil {
		return nil, err
	}
	return card, nil
}
