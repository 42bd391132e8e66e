// Package keycard implements the append-only, signed chain of
// cryptographic-identity entries kept for each organization and user. An
// entry carries a fixed set of fields for its owner type, a hash chaining it
// to the previous entry, and an ordered set of signatures: an optional
// custody signature made with the previous entry's key, the organization's
// counter-signature, and the owner's own signature. Every signature covers
// the canonical serialization of everything that precedes it in that order,
// so accepted entries are immutable and the ledger is tamper-evident.
package keycard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mensago/mensagod/crypto"
	cs "github.com/mensago/mensagod/cryptostring"
)

// Owner types.
const (
	TypeOrganization = "Organization"
	TypeUser         = "User"
)

var (
	ErrBadEntryData      = errors.New("bad entry data")
	ErrNoncompliantEntry = errors.New("noncompliant entry data")
	ErrBadSignatureType  = errors.New("bad signature type")
	ErrMissingSignature  = errors.New("missing signature")
)

// sigInfoType discriminates signature slots from the hash slot in an
// entry's signature order.
type sigInfoType int

const (
	sigInfoSignature sigInfoType = iota
	sigInfoHash
)

// A sigInfo describes one slot in the entry's signature order. Level is
// 1-based; a signature at level N covers the canonical serialization of the
// fields plus every slot below N.
type sigInfo struct {
	Name     string
	Level    int
	Optional bool
	Type     sigInfoType
}

// maximum length of any single field value
const maxFieldLength = 6144

// An Entry is one link in an owner's keycard.
type Entry struct {
	Type           string
	Fields         map[string]string
	Signatures     map[string]string
	PrevHash       cs.CryptoString
	Hash           cs.CryptoString
	fieldNames     []string
	requiredFields []string
	sigInfo        []sigInfo
}

// NewOrgEntry creates an Organization entry with its index, time-to-live,
// timestamp, and expiration initialized.
func NewOrgEntry() *Entry {
	entry := &Entry{
		Type:       TypeOrganization,
		Fields:     make(map[string]string),
		Signatures: make(map[string]string),
		fieldNames: []string{
			"Index",
			"Name",
			"Domain",
			"Contact-Admin",
			"Contact-Abuse",
			"Contact-Support",
			"Language",
			"Primary-Verification-Key",
			"Secondary-Verification-Key",
			"Encryption-Key",
			"Time-To-Live",
			"Expires",
			"Timestamp",
		},
		requiredFields: []string{
			"Index",
			"Name",
			"Domain",
			"Contact-Admin",
			"Primary-Verification-Key",
			"Encryption-Key",
			"Time-To-Live",
			"Expires",
			"Timestamp",
		},
		sigInfo: []sigInfo{
			{"Custody", 1, true, sigInfoSignature},
			{"Hashes", 2, false, sigInfoHash},
			{"Organization", 3, false, sigInfoSignature},
		},
	}
	entry.initDefaults(365)
	return entry
}

// NewUserEntry creates a User entry with its index, time-to-live, timestamp,
// and expiration initialized.
func NewUserEntry() *Entry {
	entry := &Entry{
		Type:       TypeUser,
		Fields:     make(map[string]string),
		Signatures: make(map[string]string),
		fieldNames: []string{
			"Index",
			"Name",
			"User-ID",
			"Workspace-ID",
			"Domain",
			"Contact-Request-Verification-Key",
			"Contact-Request-Encryption-Key",
			"Encryption-Key",
			"Verification-Key",
			"Time-To-Live",
			"Expires",
			"Timestamp",
		},
		requiredFields: []string{
			"Index",
			"Workspace-ID",
			"Domain",
			"Contact-Request-Verification-Key",
			"Contact-Request-Encryption-Key",
			"Encryption-Key",
			"Verification-Key",
			"Time-To-Live",
			"Expires",
			"Timestamp",
		},
		sigInfo: []sigInfo{
			{"Custody", 1, true, sigInfoSignature},
			{"Organization", 2, false, sigInfoSignature},
			{"Hashes", 3, false, sigInfoHash},
			{"User", 4, false, sigInfoSignature},
		},
	}
	entry.initDefaults(90)
	return entry
}

func (entry *Entry) initDefaults(expireDays int) {
	now := time.Now().UTC()
	entry.Fields["Index"] = "1"
	entry.Fields["Time-To-Live"] = "30"
	entry.Fields["Timestamp"] = now.Format(timestampFormat)
	entry.Fields["Expires"] = now.AddDate(0, 0, expireDays).Format(expirationFormat)
}

// NewEntryFromData parses an entry from its canonical text form, with or
// without the BEGIN/END transfer markers. The owner type is taken from the
// Type line.
func NewEntryFromData(textBlock string) (*Entry, error) {
	lines := strings.Split(textBlock, "\r\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 && strings.HasPrefix(lines[0], "----- BEGIN") {
		if !strings.HasPrefix(lines[len(lines)-1], "----- END") {
			return nil, ErrBadEntryData
		}
		lines = lines[1 : len(lines)-1]
	}
	if len(lines) < 1 {
		return nil, ErrBadEntryData
	}

	var entry *Entry
	switch lines[0] {
	case "Type:" + TypeOrganization:
		entry = NewOrgEntry()
	case "Type:" + TypeUser:
		entry = NewUserEntry()
	default:
		return nil, ErrBadEntryData
	}

	// parsed entries carry only what the text block carries
	entry.Fields = make(map[string]string)

	for i, rawline := range lines[1:] {
		line := strings.TrimSpace(rawline)
		if len(line) < 1 {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: bad data near line %d", ErrBadEntryData, i+2)
		}

		switch {
		case parts[0] == "Type":
			if parts[1] != entry.Type {
				return nil, ErrBadEntryData
			}
		case parts[0] == "Hash":
			if entry.Hash.Set(parts[1]) != nil {
				return nil, ErrBadEntryData
			}
		case parts[0] == "Previous-Hash":
			if entry.PrevHash.Set(parts[1]) != nil {
				return nil, ErrBadEntryData
			}
		case strings.HasSuffix(parts[0], "-Signature"):
			name := strings.TrimSuffix(parts[0], "-Signature")
			if !entry.hasSigType(name) {
				return nil, fmt.Errorf("%w: %s", ErrBadSignatureType, name)
			}
			entry.Signatures[name] = parts[1]
		default:
			entry.Fields[parts[0]] = parts[1]
		}
	}

	return entry, nil
}

func (entry *Entry) hasSigType(name string) bool {
	for _, info := range entry.sigInfo {
		if info.Type == sigInfoSignature && info.Name == name {
			return true
		}
	}
	return false
}

func (entry *Entry) sigInfoFor(name string) (sigInfo, bool) {
	for _, info := range entry.sigInfo {
		if info.Type == sigInfoSignature && info.Name == name {
			return info, true
		}
	}
	return sigInfo{}, false
}

// Index returns the entry's index field as an integer, or 0 if it is absent
// or malformed.
func (entry *Entry) Index() uint64 {
	index, err := strconv.ParseUint(entry.Fields["Index"], 10, 64)
	if err != nil {
		return 0
	}
	return index
}

// SetField sets a data field. Editing invalidates any signatures and hashes
// already attached.
func (entry *Entry) SetField(name, value string) {
	entry.Fields[name] = value
	entry.Signatures = make(map[string]string)
	entry.Hash.MakeEmpty()
	entry.PrevHash.MakeEmpty()
}

// SetFields sets multiple data fields at once. Unlike SetField, signatures
// set by the caller afterward survive, so a complete signed entry can be
// assembled with one call followed by signature attachment.
func (entry *Entry) SetFields(fields map[string]string) {
	entry.Signatures = make(map[string]string)
	entry.Hash.MakeEmpty()
	entry.PrevHash.MakeEmpty()
	for k, v := range fields {
		entry.Fields[k] = v
	}
}

// MakeByteString serializes the entry for signing or hashing. Lines are
// Field:Value joined with \r\n and a trailing terminator, in a fixed order
// so signatures are never invalidated by map iteration or line-ending
// differences. upToLevel limits which signature slots are included; a
// negative value includes every slot.
func (entry *Entry) MakeByteString(upToLevel int) []byte {
	var lines []string
	if len(entry.Type) > 0 {
		lines = append(lines, "Type:"+entry.Type)
	}

	for _, name := range entry.fieldNames {
		if value, ok := entry.Fields[name]; ok && len(value) > 0 {
			lines = append(lines, name+":"+value)
		}
	}

	if upToLevel < 0 || upToLevel > len(entry.sigInfo) {
		upToLevel = entry.sigInfo[len(entry.sigInfo)-1].Level
	}

	for i := 0; i < upToLevel; i++ {
		info := entry.sigInfo[i]
		if info.Type == sigInfoHash {
			if entry.PrevHash.IsValid() {
				lines = append(lines, "Previous-Hash:"+entry.PrevHash.AsString())
			}
			if entry.Hash.IsValid() {
				lines = append(lines, "Hash:"+entry.Hash.AsString())
			}
			continue
		}
		if value, ok := entry.Signatures[info.Name]; ok && len(value) > 0 {
			lines = append(lines, info.Name+"-Signature:"+value)
		}
	}

	lines = append(lines, "")
	return []byte(strings.Join(lines, "\r\n"))
}

// IsDataCompliant checks only the data fields: required fields present,
// nothing empty or oversized, and type-specific validity.
func (entry *Entry) IsDataCompliant() bool {
	if entry.Type != TypeOrganization && entry.Type != TypeUser {
		return false
	}

	for _, name := range entry.requiredFields {
		value, ok := entry.Fields[name]
		if !ok || value != strings.TrimSpace(value) {
			return false
		}
	}

	for _, value := range entry.Fields {
		if value == "" || len(value) > maxFieldLength {
			return false
		}
	}

	if entry.Type == TypeUser {
		return entry.validateUserFields() == nil
	}
	return entry.validateOrgFields() == nil
}

// IsCompliant reports full compliance: data fields plus every non-optional
// signature slot filled and a hash present.
func (entry *Entry) IsCompliant() bool {
	if !entry.IsDataCompliant() {
		return false
	}

	for _, info := range entry.sigInfo {
		if info.Type == sigInfoHash {
			if !entry.Hash.IsValid() {
				return false
			}
			continue
		}
		if !info.Optional && len(entry.Signatures[info.Name]) < 1 {
			return false
		}
	}
	return true
}

// IsExpired reports whether the entry's expiration date has passed.
func (entry *Entry) IsExpired() (bool, error) {
	expiration, err := time.Parse(expirationFormat, entry.Fields["Expires"])
	if err != nil {
		return false, fmt.Errorf("bad expiration date: %w", err)
	}
	return time.Now().UTC().After(expiration), nil
}

// Sign attaches a signature of the given type. Signing a slot clears that
// slot and every slot after it first, because they cover the slot's content
// and would no longer verify.
func (entry *Entry) Sign(signingKey cs.CryptoString, sigtype string) error {
	info, ok := entry.sigInfoFor(sigtype)
	if !ok {
		return ErrBadSignatureType
	}

	for _, item := range entry.sigInfo {
		if item.Level >= info.Level {
			if item.Type == sigInfoHash {
				entry.Hash.MakeEmpty()
			} else {
				delete(entry.Signatures, item.Name)
			}
		}
	}

	pair := crypto.SigningPair{PrivateKey: signingKey}
	signature, err := pair.Sign(entry.MakeByteString(info.Level))
	if err != nil {
		return err
	}
	entry.Signatures[sigtype] = signature.AsString()
	return nil
}

// VerifySignature checks the named signature against a verification key.
func (entry *Entry) VerifySignature(verifyKey cs.CryptoString, sigtype string) (bool, error) {
	info, ok := entry.sigInfoFor(sigtype)
	if !ok {
		return false, ErrBadSignatureType
	}

	value := entry.Signatures[sigtype]
	if value == "" {
		return false, ErrMissingSignature
	}
	var signature cs.CryptoString
	if err := signature.Set(value); err != nil {
		return false, err
	}

	key := crypto.NewVerificationKey(verifyKey)
	return key.Verify(entry.MakeByteString(info.Level-1), signature)
}

// GenerateHash computes the entry hash with the named algorithm. The digest
// covers the fields, any signatures below the hash slot, and Previous-Hash.
func (entry *Entry) GenerateHash(algorithm string) error {
	hashLevel := -1
	for _, info := range entry.sigInfo {
		if info.Type == sigInfoHash {
			hashLevel = info.Level
			break
		}
	}
	if hashLevel < 0 {
		return errors.New("entry type missing hash slot")
	}

	entry.Hash.MakeEmpty()
	sum, err := crypto.GenerateHash(algorithm, entry.MakeByteString(hashLevel))
	if err != nil {
		return err
	}
	entry.Hash = sum
	return nil
}

// VerifyHash recomputes the entry hash with the algorithm the attached hash
// names and compares the two.
func (entry *Entry) VerifyHash() (bool, error) {
	if !entry.Hash.IsValid() {
		return false, errors.New("entry has no hash")
	}

	hashLevel := -1
	for _, info := range entry.sigInfo {
		if info.Type == sigInfoHash {
			hashLevel = info.Level
			break
		}
	}

	expected := entry.Hash
	entry.Hash.MakeEmpty()
	data := entry.MakeByteString(hashLevel)
	entry.Hash = expected

	return crypto.CheckHash(expected, data)
}

// verificationField names the field whose key signs the next entry's
// custody signature for this owner type.
func (entry *Entry) verificationField() string {
	if entry.Type == TypeOrganization {
		return "Primary-Verification-Key"
	}
	return "Contact-Request-Verification-Key"
}

// VerifyChain checks the linkage between this entry and the entry before
// it: sequential index, matching previous-hash, and a custody signature
// that verifies against the previous entry's verification key.
func (entry *Entry) VerifyChain(previous *Entry) (bool, error) {
	if previous.Type != entry.Type {
		return false, errors.New("entry type mismatch")
	}
	if entry.Signatures["Custody"] == "" {
		return false, fmt.Errorf("%w: custody", ErrMissingSignature)
	}

	prevIndex := previous.Index()
	if prevIndex == 0 || entry.Index() != prevIndex+1 {
		return false, errors.New("entry index out of sequence")
	}

	if entry.PrevHash.IsValid() && previous.Hash.IsValid() &&
		entry.PrevHash.AsString() != previous.Hash.AsString() {
		return false, errors.New("previous hash mismatch")
	}

	verifyKey := cs.New(previous.Fields[previous.verificationField()])
	if !verifyKey.IsValid() {
		return false, errors.New("bad verification key in previous entry")
	}

	return entry.VerifySignature(verifyKey, "Custody")
}

// Chain creates this entry's successor: same fields, incremented index,
// fresh keys for every key field, and a custody signature made with
// signingKey, which must be the private half of this entry's verification
// key. The new keypairs are returned alongside the entry so the caller can
// retain the private halves.
func (entry *Entry) Chain(signingKey cs.CryptoString) (*Entry, map[string]cs.CryptoString, error) {
	if !entry.IsCompliant() {
		return nil, nil, ErrNoncompliantEntry
	}

	var next *Entry
	switch entry.Type {
	case TypeOrganization:
		next = NewOrgEntry()
	case TypeUser:
		next = NewUserEntry()
	default:
		return nil, nil, ErrBadEntryData
	}

	for k, v := range entry.Fields {
		next.Fields[k] = v
	}
	next.Fields["Index"] = strconv.FormatUint(entry.Index()+1, 10)
	next.Fields["Timestamp"] = time.Now().UTC().Format(timestampFormat)

	keys := make(map[string]cs.CryptoString)
	for _, field := range entry.keyFields() {
		if _, ok := entry.Fields[field.name]; !ok && field.optional {
			continue
		}

		if field.signing {
			pair, err := crypto.GenerateSigningPair()
			if err != nil {
				return nil, nil, err
			}
			next.Fields[field.name] = pair.PublicKey.AsString()
			keys[field.name+".public"] = pair.PublicKey
			keys[field.name+".private"] = pair.PrivateKey
		} else {
			pair, err := crypto.GenerateEncryptionPair()
			if err != nil {
				return nil, nil, err
			}
			next.Fields[field.name] = pair.PublicKey.AsString()
			keys[field.name+".public"] = pair.PublicKey
			keys[field.name+".private"] = pair.PrivateKey
		}
	}

	if err := next.Sign(signingKey, "Custody"); err != nil {
		return nil, nil, err
	}
	return next, keys, nil
}

type keyField struct {
	name     string
	signing  bool
	optional bool
}

func (entry *Entry) keyFields() []keyField {
	if entry.Type == TypeOrganization {
		return []keyField{
			{"Primary-Verification-Key", true, false},
			{"Secondary-Verification-Key", true, true},
			{"Encryption-Key", false, false},
		}
	}
	return []keyField{
		{"Contact-Request-Verification-Key", true, false},
		{"Contact-Request-Encryption-Key", false, false},
		{"Encryption-Key", false, false},
		{"Verification-Key", true, false},
	}
}

func (entry *Entry) validateOrgFields() error {
	if err := validateIndexField(entry.Fields["Index"]); err != nil {
		return err
	}
	if err := validateNameField(entry.Fields["Name"]); err != nil {
		return err
	}
	if err := validateAddressField(entry.Fields["Contact-Admin"]); err != nil {
		return fmt.Errorf("bad admin contact: %w", err)
	}
	for _, name := range []string{"Contact-Abuse", "Contact-Support"} {
		if value, ok := entry.Fields[name]; ok {
			if err := validateAddressField(value); err != nil {
				return fmt.Errorf("bad %s: %w", name, err)
			}
		}
	}
	if err := validateDomainField(entry.Fields["Domain"]); err != nil {
		return err
	}

	keyFields := []string{"Primary-Verification-Key", "Encryption-Key"}
	if _, ok := entry.Fields["Secondary-Verification-Key"]; ok {
		keyFields = append(keyFields, "Secondary-Verification-Key")
	}
	for _, name := range keyFields {
		if !cs.New(entry.Fields[name]).IsValid() {
			return fmt.Errorf("bad key field %s", name)
		}
	}

	return entry.validateCommonFields()
}

func (entry *Entry) validateUserFields() error {
	if err := validateIndexField(entry.Fields["Index"]); err != nil {
		return err
	}
	if _, err := uuid.Parse(entry.Fields["Workspace-ID"]); err != nil {
		return errors.New("bad workspace id")
	}
	if err := validateDomainField(entry.Fields["Domain"]); err != nil {
		return err
	}

	for _, name := range []string{
		"Contact-Request-Verification-Key",
		"Contact-Request-Encryption-Key",
		"Encryption-Key",
		"Verification-Key",
	} {
		if !cs.New(entry.Fields[name]).IsValid() {
			return fmt.Errorf("bad key field %s", name)
		}
	}

	if value, ok := entry.Fields["Name"]; ok {
		if err := validateNameField(value); err != nil {
			return err
		}
	}
	if value, ok := entry.Fields["User-ID"]; ok {
		if strings.ContainsAny(value, " \t\\/\"") || utf8.RuneCountInString(value) > 64 {
			return errors.New("bad user id")
		}
	}

	return entry.validateCommonFields()
}

func (entry *Entry) validateCommonFields() error {
	ttl, err := strconv.Atoi(entry.Fields["Time-To-Live"])
	if err != nil || ttl < 1 || ttl > 30 {
		return errors.New("bad time-to-live")
	}
	if _, err = time.Parse(expirationFormat, entry.Fields["Expires"]); err != nil {
		return errors.New("bad expiration date")
	}
	if _, err = time.Parse(timestampFormat, entry.Fields["Timestamp"]); err != nil {
		return errors.New("bad timestamp")
	}
	return nil
}
