// Package store persists workspaces, devices, preregistrations, and keycard
// chains on top of the abstract kv.DB. The store owns the append-only
// discipline for keycards: appends for one owner are serialized under a
// per-owner lock so the index and previous-hash check and the write happen
// as one critical section.
package store

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mensago/mensagod/cryptostring"
	"github.com/mensago/mensagod/storage/kv"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// WorkspaceStatus is a workspace's lifecycle state. Deleted workspace IDs
// are kept as tombstones and never reused.
type WorkspaceStatus string

const (
	StatusActive        WorkspaceStatus = "active"
	StatusApproved      WorkspaceStatus = "approved"
	StatusAwaiting      WorkspaceStatus = "awaiting"
	StatusDisabled      WorkspaceStatus = "disabled"
	StatusSuspended     WorkspaceStatus = "suspended"
	StatusDeleted       WorkspaceStatus = "deleted"
	StatusPreregistered WorkspaceStatus = "preregistered"
)

// A Workspace is one account's credential record.
type Workspace struct {
	WID          string
	UserID       string
	Domain       string
	Status       WorkspaceStatus
	PasswordHash string
}

// A Preregistration is a pending admin-provisioned workspace. CodeHash is
// the argon2id hash of the one-time registration code, never the code
// itself.
type Preregistration struct {
	WID      string
	UserID   string
	Domain   string
	CodeHash string
}

// Store is the credential and keycard persistence layer.
type Store struct {
	db kv.DB

	mu          sync.Mutex
	appendLocks map[string]*sync.Mutex
}

// New creates a Store over db. The caller retains ownership of db and is
// responsible for closing it.
func New(db kv.DB) *Store {
	return &Store{db: db, appendLocks: make(map[string]*sync.Mutex)}
}

func workspaceKey(wid string) []byte     { return []byte("ws:" + wid) }
func userIDKey(uid string) []byte        { return []byte("uid:" + uid) }
func deviceKey(wid, devid string) []byte { return []byte("dev:" + wid + ":" + devid) }
func preregKey(wid string) []byte        { return []byte("prereg:" + wid) }
func preregUIDKey(uid string) []byte     { return []byte("prereguid:" + uid) }

// notFound translates the backend's missing-key error to ErrNotFound.
func (s *Store) notFound(err error) error {
	if errors.Is(err, s.db.ErrNotFound()) {
		return ErrNotFound
	}
	return err
}

// AddWorkspace creates a workspace record. The workspace ID must be unused,
// including by tombstones of deleted workspaces.
func (s *Store) AddWorkspace(w *Workspace) error {
	if _, err := s.db.Get(workspaceKey(w.WID)); err == nil {
		return ErrExists
	} else if !errors.Is(err, s.db.ErrNotFound()) {
		return err
	}
	if w.UserID != "" {
		if _, err := s.db.Get(userIDKey(w.UserID)); err == nil {
			return ErrExists
		} else if !errors.Is(err, s.db.ErrNotFound()) {
			return err
		}
	}

	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err = s.db.Put(workspaceKey(w.WID), data); err != nil {
		return err
	}
	if w.UserID != "" {
		return s.db.Put(userIDKey(w.UserID), []byte(w.WID))
	}
	return nil
}

// GetWorkspace loads a workspace record by ID.
func (s *Store) GetWorkspace(wid string) (*Workspace, error) {
	data, err := s.db.Get(workspaceKey(wid))
	if err != nil {
		return nil, s.notFound(err)
	}
	var w Workspace
	if err = json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("corrupt workspace record %s: %w", wid, err)
	}
	return &w, nil
}

func (s *Store) putWorkspace(w *Workspace) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.db.Put(workspaceKey(w.WID), data)
}

// SetWorkspaceStatus updates a workspace's lifecycle state.
func (s *Store) SetWorkspaceStatus(wid string, status WorkspaceStatus) error {
	w, err := s.GetWorkspace(wid)
	if err != nil {
		return err
	}
	w.Status = status
	return s.putWorkspace(w)
}

// SetPassword replaces a workspace's stored password hash.
func (s *Store) SetPassword(wid, hash string) error {
	w, err := s.GetWorkspace(wid)
	if err != nil {
		return err
	}
	w.PasswordHash = hash
	return s.putWorkspace(w)
}

// CheckPassword compares a submitted password hash against the stored one
// in constant time. The client performs the slow key derivation; the server
// side is an exact string match.
func (s *Store) CheckPassword(wid, hash string) (bool, error) {
	w, err := s.GetWorkspace(wid)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(w.PasswordHash), []byte(hash)) == 1, nil
}

// ResolveUserID maps a user ID to its workspace ID.
func (s *Store) ResolveUserID(uid string) (string, error) {
	data, err := s.db.Get(userIDKey(uid))
	if err != nil {
		return "", s.notFound(err)
	}
	return string(data), nil
}

// AddDevice records a device's public encryption key for a workspace.
func (s *Store) AddDevice(wid, devid string, key cryptostring.CryptoString) error {
	return s.db.Put(deviceKey(wid, devid), []byte(key.AsString()))
}

// GetDevice returns a device's registered public key.
func (s *Store) GetDevice(wid, devid string) (cryptostring.CryptoString, error) {
	data, err := s.db.Get(deviceKey(wid, devid))
	if err != nil {
		return cryptostring.CryptoString{}, s.notFound(err)
	}
	var key cryptostring.CryptoString
	if err = key.Set(string(data)); err != nil {
		return cryptostring.CryptoString{}, fmt.Errorf("corrupt device key %s/%s: %w",
			wid, devid, err)
	}
	return key, nil
}

// UpdateDevice replaces a registered device key. The device must exist; key
// rotation never implicitly registers a device.
func (s *Store) UpdateDevice(wid, devid string, key cryptostring.CryptoString) error {
	if _, err := s.GetDevice(wid, devid); err != nil {
		return err
	}
	return s.db.Put(deviceKey(wid, devid), []byte(key.AsString()))
}

// RemoveDevice deletes a device registration.
func (s *Store) RemoveDevice(wid, devid string) error {
	return s.db.Delete(deviceKey(wid, devid))
}

// AddPrereg stores a preregistration. Duplicates are rejected so an admin
// cannot silently overwrite a pending code.
func (s *Store) AddPrereg(p *Preregistration) error {
	if _, err := s.db.Get(preregKey(p.WID)); err == nil {
		return ErrExists
	} else if !errors.Is(err, s.db.ErrNotFound()) {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err = s.db.Put(preregKey(p.WID), data); err != nil {
		return err
	}
	if p.UserID != "" {
		return s.db.Put(preregUIDKey(p.UserID), []byte(p.WID))
	}
	return nil
}

// GetPrereg loads a preregistration by workspace ID or, failing that, by
// user ID.
func (s *Store) GetPrereg(id string) (*Preregistration, error) {
	data, err := s.db.Get(preregKey(id))
	if errors.Is(err, s.db.ErrNotFound()) {
		var wid []byte
		if wid, err = s.db.Get(preregUIDKey(id)); err != nil {
			return nil, s.notFound(err)
		}
		data, err = s.db.Get(preregKey(string(wid)))
	}
	if err != nil {
		return nil, s.notFound(err)
	}

	var p Preregistration
	if err = json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt preregistration %s: %w", id, err)
	}
	return &p, nil
}

// DeletePrereg removes a consumed or revoked preregistration.
func (s *Store) DeletePrereg(p *Preregistration) error {
	if err := s.db.Delete(preregKey(p.WID)); err != nil {
		return err
	}
	if p.UserID != "" {
		return s.db.Delete(preregUIDKey(p.UserID))
	}
	return nil
}
