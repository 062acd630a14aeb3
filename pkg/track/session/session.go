// Package session tracks foreground session boundaries. A session starts
// when the host app enters the foreground and ends once it has been in
// the background longer than the inactivity threshold.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracker is the NoSession -> Active -> NoSession state machine. The host
// application feeds it lifecycle transitions; the event builder queries it.
//
// Expiry is evaluated lazily against the background timestamp, so no
// background goroutine is needed.
type Tracker struct {
	mu           sync.Mutex
	id           string
	startedAt    time.Time
	backgroundAt time.Time // zero while foregrounded
	inactivity   time.Duration
	now          func() time.Time
}

// New creates a tracker in the NoSession state.
func New(inactivity time.Duration) *Tracker {
	return &Tracker{inactivity: inactivity, now: time.Now}
}

// EnterForeground reports a foreground transition. A new session id is
// assigned on cold start or when the background gap exceeded the
// inactivity threshold; a quick app switch resumes the existing session.
func (t *Tracker) EnterForeground() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	if t.id == "" {
		t.id = uuid.NewString()
		t.startedAt = t.now()
	}
	t.backgroundAt = time.Time{}
}

// EnterBackground reports a background transition. The session stays
// nominally active until the inactivity threshold passes.
func (t *Tracker) EnterBackground() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != "" && t.backgroundAt.IsZero() {
		t.backgroundAt = t.now()
	}
}

// IsActive reports whether a session is currently active.
func (t *Tracker) IsActive() bool {
	_, ok := t.CurrentID()
	return ok
}

// CurrentID returns the active session identifier, if any.
func (t *Tracker) CurrentID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	if t.id == "" {
		return "", false
	}
	return t.id, true
}

// StartedAt returns the start time of the active session, if any.
func (t *Tracker) StartedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	if t.id == "" {
		return time.Time{}, false
	}
	return t.startedAt, true
}

func (t *Tracker) expireLocked() {
	if t.id == "" || t.backgroundAt.IsZero() {
		return
	}
	if t.now().Sub(t.backgroundAt) > t.inactivity {
		t.id = ""
		t.startedAt = time.Time{}
		t.backgroundAt = time.Time{}
	}
}
