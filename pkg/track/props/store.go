// Package props holds the property overlay: super-properties merged into
// every captured event, and named timers for duration tracking.
package props

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nicktill/tinytrack/pkg/track"
)

// overlayKey is the meta-store key the super-property snapshot lives under.
const overlayKey = "super_properties"

// KV is the persistence hook for super-properties. The badger queue's
// meta store satisfies it. A nil KV keeps the overlay memory-only.
type KV interface {
	MetaGet(key string) ([]byte, error)
	MetaSet(key string, value []byte) error
}

// Store holds super-properties and active timers. All mutations take the
// write lock; Snapshot returns a copy so a built event can never be
// retroactively altered by later mutation.
//
// Super-properties persist across restarts through the KV. Timers are
// deliberately memory-only: a timer spanning a process restart would
// measure downtime, not the operation.
type Store struct {
	mu     sync.RWMutex
	super  map[string]track.Value
	timers map[string]time.Time
	kv     KV
	now    func() time.Time
}

// NewStore creates a store, loading any persisted super-properties.
func NewStore(kv KV) (*Store, error) {
	s := &Store{
		super:  make(map[string]track.Value),
		timers: make(map[string]time.Time),
		kv:     kv,
		now:    time.Now,
	}
	if kv != nil {
		raw, err := kv.MetaGet(overlayKey)
		if err != nil {
			return nil, fmt.Errorf("loading super-properties: %w", err)
		}
		if raw != nil {
			if err := cbor.Unmarshal(raw, &s.super); err != nil {
				return nil, fmt.Errorf("decoding super-properties: %w", err)
			}
		}
	}
	return s, nil
}

// Register sets super-properties, overwriting existing keys.
func (s *Store) Register(properties map[string]track.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range properties {
		s.super[k] = v
	}
	s.persistLocked()
}

// RegisterOnce sets super-properties without overwriting keys that are
// already present.
func (s *Store) RegisterOnce(properties map[string]track.Value) {
	s.RegisterOnceDefault(properties, nil)
}

// RegisterOnceDefault sets super-properties, writing a key only if it is
// absent or its current value equals the sentinel. The sentinel lets
// callers reset a once-only field.
func (s *Store) RegisterOnceDefault(properties map[string]track.Value, sentinel *track.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range properties {
		existing, ok := s.super[k]
		if ok && (sentinel == nil || !existing.Equal(*sentinel)) {
			continue
		}
		s.super[k] = v
	}
	s.persistLocked()
}

// Unregister removes one super-property. Unknown keys are ignored.
func (s *Store) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.super, key)
	s.persistLocked()
}

// Clear removes all super-properties.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.super = make(map[string]track.Value)
	s.persistLocked()
}

// Snapshot returns a copy of the current super-properties, or nil when
// none are set.
func (s *Store) Snapshot() map[string]track.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.super) == 0 {
		return nil
	}
	out := make(map[string]track.Value, len(s.super))
	for k, v := range s.super {
		out[k] = v
	}
	return out
}

// StartTimer starts (or restarts) the timer for an event name. The next
// event tracked with this name absorbs the elapsed time as its cost.
func (s *Store) StartTimer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[name] = s.now()
}

// ConsumeTimer removes the timer for name and returns its elapsed time.
// Timers are one-shot: a second consume for the same name reports no timer.
func (s *Store) ConsumeTimer(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.timers[name]
	if !ok {
		return 0, false
	}
	delete(s.timers, name)
	return s.now().Sub(start), true
}

// ClearTimers drops all active timers.
func (s *Store) ClearTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = make(map[string]time.Time)
}

// persistLocked writes the super-property snapshot through the KV.
// Persistence failures keep the in-memory state authoritative; they are
// logged, not surfaced, matching the fire-and-forget capture contract.
func (s *Store) persistLocked() {
	if s.kv == nil {
		return
	}
	raw, err := cbor.Marshal(s.super)
	if err != nil {
		log.Printf("props: encoding super-properties: %v", err)
		return
	}
	if err := s.kv.MetaSet(overlayKey, raw); err != nil {
		log.Printf("props: persisting super-properties: %v", err)
	}
}
