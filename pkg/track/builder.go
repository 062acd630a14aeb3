package track

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyName rejects events with no name.
	ErrEmptyName = errors.New("track: empty event name")

	// ErrReservedName rejects caller events using the reserved prefix.
	ErrReservedName = errors.New("track: event name uses reserved prefix")

	// ErrNoSession rejects events that require an active session when
	// none exists.
	ErrNoSession = errors.New("track: no active session")
)

// Overlay is the slice of the property store the builder needs: a
// snapshot of super-properties and one-shot timer consumption.
type Overlay interface {
	Snapshot() map[string]Value
	ConsumeTimer(name string) (time.Duration, bool)
}

// Sessions answers whether a session is active and what its id is.
type Sessions interface {
	IsActive() bool
	CurrentID() (string, bool)
}

// Input carries the caller-supplied fields of one capture call.
type Input struct {
	Name           string
	CostSeconds    float64
	Categories     []string
	Attributes     map[string]Value
	Location       *Location
	UserID         string
	RequireSession bool

	// Internal marks SDK-generated events, which are allowed to use
	// the reserved name prefix.
	Internal bool
}

// Builder assembles canonical event records from caller input plus
// overlay and session state.
type Builder struct {
	overlay  Overlay
	sessions Sessions
	now      func() time.Time
}

// NewBuilder creates a builder reading the given overlay and session state.
func NewBuilder(overlay Overlay, sessions Sessions) *Builder {
	return &Builder{overlay: overlay, sessions: sessions, now: time.Now}
}

// Build validates the input and assembles an EventRecord. A non-nil error
// means the event is dropped: it is never queued and never retried.
func (b *Builder) Build(in Input) (*EventRecord, error) {
	if in.Name == "" {
		return nil, ErrEmptyName
	}
	if !in.Internal && strings.HasPrefix(in.Name, ReservedPrefix) {
		return nil, ErrReservedName
	}

	sessionID, ok := b.sessions.CurrentID()
	if !ok {
		if in.RequireSession {
			return nil, ErrNoSession
		}
		sessionID = ""
	}

	rec := &EventRecord{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Timestamp:   b.now(),
		CostSeconds: in.CostSeconds,
		UserID:      in.UserID,
		Location:    in.Location,
		SessionID:   sessionID,
	}

	if len(in.Categories) > 0 {
		cats := in.Categories
		if len(cats) > MaxCategoryDepth {
			cats = cats[:MaxCategoryDepth]
		}
		rec.Categories = append([]string(nil), cats...)
	}

	// Super-properties first, call-site attributes win on collision.
	attrs := b.overlay.Snapshot()
	if len(in.Attributes) == 0 && len(attrs) == 0 {
		attrs = nil
	} else {
		if attrs == nil {
			attrs = make(map[string]Value, len(in.Attributes))
		}
		for k, v := range in.Attributes {
			attrs[k] = v
		}
	}
	rec.Attributes = attrs

	// A running timer for this name is one-shot: it is consumed even if
	// the elapsed value ends up unused because an explicit cost was given.
	if elapsed, ok := b.overlay.ConsumeTimer(in.Name); ok && rec.CostSeconds == 0 {
		rec.CostSeconds = elapsed.Seconds()
	}

	return rec, nil
}
