package transport

import (
	"testing"
	"time"

	"filippo.io/age"

	"github.com/nicktill/tinytrack/pkg/track"
)

func testEnvelope() *Envelope {
	return &Envelope{
		AppKey:   "app-key",
		DeviceID: "device-1",
		SentAt:   time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		Records: []track.Record{
			{Event: &track.EventRecord{
				ID:        "evt-1",
				Name:      "click",
				Timestamp: time.Date(2026, 8, 26, 9, 59, 0, 0, time.UTC),
				Attributes: map[string]track.Value{
					"btn":   track.String("ok"),
					"count": track.Number(3),
					"new":   track.Bool(true),
				},
			}},
			{Profile: &track.ProfileUpdateRecord{
				ID:     "prof-1",
				Op:     track.OpCharge,
				UserID: "joedoe",
				Amount: 9.99,
			}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := testEnvelope()

	body, err := EncodeBody(env, nil)
	if err != nil {
		t.Fatalf("EncodeBody failed: %v", err)
	}

	got, err := DecodeBody(body, nil, false)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}

	if got.AppKey != env.AppKey || got.DeviceID != env.DeviceID {
		t.Errorf("envelope identity mangled: %+v", got)
	}
	if len(got.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(got.Records))
	}
	evt := got.Records[0].Event
	if evt == nil || evt.Name != "click" || evt.ID != "evt-1" {
		t.Errorf("event mangled: %+v", evt)
	}
	if !evt.Attributes["btn"].Equal(track.String("ok")) {
		t.Errorf("string attribute mangled: %+v", evt.Attributes["btn"])
	}
	if !evt.Attributes["count"].Equal(track.Number(3)) {
		t.Errorf("number attribute mangled: %+v", evt.Attributes["count"])
	}
	prof := got.Records[1].Profile
	if prof == nil || prof.Op != track.OpCharge || prof.Amount != 9.99 {
		t.Errorf("profile record mangled: %+v", prof)
	}
}

func TestEncodeDecodeSealed(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}

	env := testEnvelope()
	body, err := EncodeBody(env, identity.Recipient())
	if err != nil {
		t.Fatalf("EncodeBody failed: %v", err)
	}

	// Without the identity the payload is opaque.
	if _, err := DecodeBody(body, nil, true); err == nil {
		t.Error("sealed payload decoded without an identity")
	}

	got, err := DecodeBody(body, identity, true)
	if err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
	if len(got.Records) != 2 || got.Records[0].Event.ID != "evt-1" {
		t.Errorf("sealed round trip mangled records: %+v", got.Records)
	}
}

func TestChecksumIsStable(t *testing.T) {
	body := []byte("payload bytes")
	if Checksum(body) != Checksum([]byte("payload bytes")) {
		t.Error("checksum not deterministic")
	}
	if Checksum(body) == Checksum([]byte("payload bytez")) {
		t.Error("checksum collision on differing bodies")
	}
}
