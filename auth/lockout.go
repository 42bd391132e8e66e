// Package auth holds the pieces of authentication state shared across
// connections: the per-source lockout tracker and the closed role/permission
// model used for owner-scoped authorization.
package auth

import (
	"sync"
	"time"
)

// A FailureKind names the counter a failure belongs to. Authentication kinds
// share one threshold; registration throttling has its own so that account
// enumeration and spam are deterred independently of login abuse.
type FailureKind string

const (
	FailureWorkspace    FailureKind = "workspace"
	FailurePassword     FailureKind = "password"
	FailureDevice       FailureKind = "device"
	FailureRegistration FailureKind = "registration"
)

// TrackerConfig carries the thresholds for one Tracker. It is injected at
// construction and never mutated afterward.
type TrackerConfig struct {
	// MaxFailures is the number of authentication failures a source may
	// accumulate before a lockout is recorded.
	MaxFailures int
	// LockoutDuration is how long a source stays locked out.
	LockoutDuration time.Duration
	// MaxRegistrations and RegistrationDuration are the independent
	// threshold for registration attempts from one source.
	MaxRegistrations     int
	RegistrationDuration time.Duration
}

type lockoutRecord struct {
	count        int
	lastFailure  time.Time
	lockoutUntil time.Time
}

// A Tracker maintains per-source failure counters and time-boxed lockouts.
// It is shared by every connection worker; all counter updates happen under
// one lock so a read-modify-write per source key is atomic. Records are
// created lazily on first failure and dropped on reset.
type Tracker struct {
	mu      sync.Mutex
	cfg     TrackerConfig
	records map[string]*lockoutRecord
	now     func() time.Time
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.MaxRegistrations < 1 {
		cfg.MaxRegistrations = 1
	}
	return &Tracker{
		cfg:     cfg,
		records: make(map[string]*lockoutRecord),
		now:     time.Now,
	}
}

// SetClock replaces the tracker's time source. Tests use it to step through
// lockout windows without sleeping.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func recordKey(kind FailureKind, source string) string {
	return string(kind) + "\x00" + source
}

func (t *Tracker) limitFor(kind FailureKind) (int, time.Duration) {
	if kind == FailureRegistration {
		return t.cfg.MaxRegistrations, t.cfg.RegistrationDuration
	}
	return t.cfg.MaxFailures, t.cfg.LockoutDuration
}

// LogFailure records one failure of the given kind for source. Once the
// counter exceeds the configured maximum a lockout-until timestamp is set.
// It returns the remaining lockout time, which is zero while the source is
// still under the threshold.
func (t *Tracker) LogFailure(kind FailureKind, source string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := recordKey(kind, source)
	rec, ok := t.records[key]
	if !ok {
		rec = &lockoutRecord{}
		t.records[key] = rec
	}

	now := t.now()
	rec.count++
	rec.lastFailure = now

	limit, window := t.limitFor(kind)
	if rec.count >= limit {
		rec.lockoutUntil = now.Add(window)
		return window
	}
	return 0
}

// CheckLockout reports how much lockout time remains for source, or zero if
// the source is not locked out. Expired lockout records are discarded so a
// source gets a clean slate after waiting out its window.
func (t *Tracker) CheckLockout(kind FailureKind, source string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[recordKey(kind, source)]
	if !ok {
		return 0
	}

	now := t.now()
	if rec.lockoutUntil.IsZero() || !now.Before(rec.lockoutUntil) {
		if !rec.lockoutUntil.IsZero() {
			delete(t.records, recordKey(kind, source))
		}
		return 0
	}
	return rec.lockoutUntil.Sub(now)
}

// Reset clears every authentication failure record for source. It is called
// after a fully successful authentication. Registration counters are left
// alone; logging in does not entitle a source to more registrations.
func (t *Tracker) Reset(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, kind := range []FailureKind{FailureWorkspace, FailurePassword, FailureDevice} {
		delete(t.records, recordKey(kind, source))
	}
}
