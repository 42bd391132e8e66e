package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mensago/mensagod/keycard"
	"github.com/mensago/mensagod/storage/kv"
)

// OrgOwner is the owner token for the organization's own keycard chain.
const OrgOwner = "org"

// ErrConflict reports a lost append race: the submitted entry's index or
// previous-hash no longer matches the head of the owner's chain.
var ErrConflict = errors.New("keycard chain conflict")

func keycardPrefix(owner string) []byte {
	return []byte("kc:" + owner + ":")
}

// Indexes are zero-padded so lexicographic key order matches numeric order.
func keycardKey(owner string, index uint64) []byte {
	return []byte(fmt.Sprintf("kc:%s:%020d", owner, index))
}

// EntryOwner returns the owner token for an entry: OrgOwner for
// organization entries, the workspace ID for user entries.
func EntryOwner(entry *keycard.Entry) string {
	if entry.Type == keycard.TypeOrganization {
		return OrgOwner
	}
	return entry.Fields["Workspace-ID"]
}

func (s *Store) appendLock(owner string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.appendLocks[owner]
	if !ok {
		lock = &sync.Mutex{}
		s.appendLocks[owner] = lock
	}
	return lock
}

// AppendEntry appends a fully signed entry to its owner's chain. The entry
// must carry the next sequential index, and for a non-root entry its
// previous-hash must match the current head's hash; any other submission
// lost a race or was built against a stale head and gets ErrConflict.
// Appends for one owner are serialized, so of two concurrent submitters
// exactly one succeeds.
func (s *Store) AppendEntry(entry *keycard.Entry) error {
	if !entry.IsCompliant() {
		return keycard.ErrNoncompliantEntry
	}
	owner := EntryOwner(entry)
	if owner == "" {
		return keycard.ErrBadEntryData
	}

	lock := s.appendLock(owner)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.GetLastEntry(owner)
	switch {
	case errors.Is(err, ErrNotFound):
		if entry.Index() != 1 {
			return ErrConflict
		}
	case err != nil:
		return err
	default:
		if entry.Index() != head.Index()+1 ||
			entry.PrevHash.AsString() != head.Hash.AsString() {
			return ErrConflict
		}
	}

	return s.db.Put(keycardKey(owner, entry.Index()), entry.MakeByteString(-1))
}

// GetLastEntry returns the head of an owner's chain.
func (s *Store) GetLastEntry(owner string) (*keycard.Entry, error) {
	iter := s.db.NewIterator(kv.BytesPrefix(keycardPrefix(owner)))
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return keycard.NewEntryFromData(string(iter.Value()))
}

// GetEntries returns an owner's entries with index >= startIndex in chain
// order. A startIndex of 0 or 1 returns the whole chain.
func (s *Store) GetEntries(owner string, startIndex uint64) ([]*keycard.Entry, error) {
	iter := s.db.NewIterator(kv.BytesPrefix(keycardPrefix(owner)))
	defer iter.Release()

	var entries []*keycard.Entry
	for ok := iter.First(); ok; ok = iter.Next() {
		entry, err := keycard.NewEntryFromData(string(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("corrupt keycard entry %s: %w", iter.Key(), err)
		}
		if entry.Index() >= startIndex {
			entries = append(entries, entry)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(entries) < 1 {
		return nil, ErrNotFound
	}
	return entries, nil
}

// GetKeycard loads an owner's whole chain as a Keycard.
func (s *Store) GetKeycard(owner string) (*keycard.Keycard, error) {
	entries, err := s.GetEntries(owner, 0)
	if err != nil {
		return nil, err
	}

	cardType := keycard.TypeUser
	if owner == OrgOwner {
		cardType = keycard.TypeOrganization
	}
	card := keycard.New(cardType)
	card.Entries = entries
	return card, nil
}
