package tracker

import (
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinytrack/pkg/track"
)

// People is the user-profile mutation API, accessed through
// Tracker.People(). Each call appends one durable profile-update record
// targeting the logged-in user (or, when nobody is logged in, the device
// id). Same fire-and-forget contract as event capture.
type People struct {
	t *Tracker
}

// People returns the profile mutation API.
func (t *Tracker) People() *People { return &People{t: t} }

func (p *People) record(op track.OpKind, properties map[string]track.Value, amount float64) {
	rec := &track.ProfileUpdateRecord{
		ID:         uuid.NewString(),
		Op:         op,
		UserID:     p.t.currentUserID(),
		Timestamp:  time.Now(),
		Properties: properties,
		Amount:     amount,
	}
	p.t.enqueue(track.Record{Profile: rec}, "")
}

// Set sets profile properties, overwriting existing values.
func (p *People) Set(properties map[string]track.Value) {
	if len(properties) == 0 {
		return
	}
	p.record(track.OpSet, properties, 0)
}

// SetValue sets a single profile property.
func (p *People) SetValue(key string, value track.Value) {
	p.Set(map[string]track.Value{key: value})
}

// SetOnce sets profile properties only where no value exists yet.
func (p *People) SetOnce(properties map[string]track.Value) {
	if len(properties) == 0 {
		return
	}
	p.record(track.OpSetOnce, properties, 0)
}

// SetOnceValue sets a single profile property only if it is unset.
func (p *People) SetOnceValue(key string, value track.Value) {
	p.SetOnce(map[string]track.Value{key: value})
}

// Unset removes one profile property.
func (p *People) Unset(key string) {
	p.record(track.OpUnset, map[string]track.Value{key: track.String("")}, 0)
}

// DeleteUser deletes the user's profile record server-side.
func (p *People) DeleteUser() {
	p.record(track.OpDeleteUser, nil, 0)
}

// TrackCharge records revenue for the user. Properties let revenue be
// segmented (product id, plan, …).
func (p *People) TrackCharge(amount float64, properties map[string]track.Value) {
	p.record(track.OpCharge, properties, amount)
}

// ClearCharges deletes the user's revenue history.
func (p *People) ClearCharges() {
	p.record(track.OpClearCharges, nil, 0)
}
