package track

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxCategoryDepth is the maximum category path depth. Deeper paths are
// truncated, keeping the first MaxCategoryDepth entries in order.
const MaxCategoryDepth = 5

// ReservedPrefix marks event names reserved for SDK-internal events
// (screen views, searches, missions and so on). Caller-supplied names
// beginning with this prefix are rejected.
const ReservedPrefix = "da"

// ValueKind identifies the scalar type carried by a Value.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindTime
)

// Value is a tagged-union scalar used for event attributes and profile
// properties. Only one of the payload fields is meaningful, selected by
// Kind. Values are compared with Equal, not ==, because of the time field.
type Value struct {
	Kind ValueKind `cbor:"1,keyasint"`
	Str  string    `cbor:"2,keyasint,omitempty"`
	Num  float64   `cbor:"3,keyasint,omitempty"`
	Bool bool      `cbor:"4,keyasint,omitempty"`
	Time time.Time `cbor:"5,keyasint,omitempty"`
}

// String makes a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number makes a numeric Value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool makes a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Time makes a date Value.
func Time(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// Equal reports whether two values carry the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindTime:
		return v.Time.Equal(o.Time)
	}
	return false
}

// MarshalJSON writes the value as a bare JSON scalar. Dates serialize as
// RFC 3339 strings, which is what the collector expects.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindTime:
		return json.Marshal(v.Time.Format(time.RFC3339Nano))
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

// UnmarshalJSON reads a bare JSON scalar back into a tagged Value.
// Strings that parse as RFC 3339 timestamps become date values.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			*v = Time(t)
		} else {
			*v = String(x)
		}
	case float64:
		*v = Number(x)
	case bool:
		*v = Bool(x)
	default:
		return fmt.Errorf("unsupported attribute value %T", raw)
	}
	return nil
}

// Location is a geo-coordinate pair attached to an event.
type Location struct {
	Latitude  float64 `json:"lat" cbor:"1,keyasint"`
	Longitude float64 `json:"lng" cbor:"2,keyasint"`
}

// EventRecord is one captured event. Once enqueued a record is immutable;
// only its presence in the queue changes.
type EventRecord struct {
	ID          string           `json:"id" cbor:"1,keyasint"`
	Name        string           `json:"name" cbor:"2,keyasint"`
	Timestamp   time.Time        `json:"ts" cbor:"3,keyasint"`
	CostSeconds float64          `json:"cost_seconds,omitempty" cbor:"4,keyasint,omitempty"`
	Categories  []string         `json:"categories,omitempty" cbor:"5,keyasint,omitempty"`
	Attributes  map[string]Value `json:"attrs,omitempty" cbor:"6,keyasint,omitempty"`
	Location    *Location        `json:"location,omitempty" cbor:"7,keyasint,omitempty"`
	SessionID   string           `json:"session_id,omitempty" cbor:"8,keyasint,omitempty"`
	UserID      string           `json:"user_id,omitempty" cbor:"9,keyasint,omitempty"`
}

// OpKind is the kind of a profile mutation.
type OpKind string

const (
	OpSet          OpKind = "set"
	OpSetOnce      OpKind = "set_once"
	OpUnset        OpKind = "unset"
	OpDeleteUser   OpKind = "delete_user"
	OpCharge       OpKind = "charge"
	OpClearCharges OpKind = "clear_charges"
)

// ProfileUpdateRecord is one user-profile mutation. Same durability and
// immutability rules as EventRecord.
type ProfileUpdateRecord struct {
	ID         string           `json:"id" cbor:"1,keyasint"`
	Op         OpKind           `json:"op" cbor:"2,keyasint"`
	UserID     string           `json:"user_id" cbor:"3,keyasint"`
	Timestamp  time.Time        `json:"ts" cbor:"4,keyasint"`
	Properties map[string]Value `json:"props,omitempty" cbor:"5,keyasint,omitempty"`
	Amount     float64          `json:"amount,omitempty" cbor:"6,keyasint,omitempty"`
}

// Record is the queue payload: exactly one of Event or Profile is set.
type Record struct {
	Event   *EventRecord         `json:"event,omitempty" cbor:"1,keyasint,omitempty"`
	Profile *ProfileUpdateRecord `json:"profile,omitempty" cbor:"2,keyasint,omitempty"`
}

// ID returns the dedup identifier of whichever record is present.
func (r Record) ID() string {
	if r.Event != nil {
		return r.Event.ID
	}
	if r.Profile != nil {
		return r.Profile.ID
	}
	return ""
}
