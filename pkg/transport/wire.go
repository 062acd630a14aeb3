package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"filippo.io/age"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/nicktill/tinytrack/pkg/track"
)

// Request headers carried alongside a batch payload.
const (
	HeaderAppKey   = "X-App-Key"
	HeaderChecksum = "X-Payload-Checksum"
	HeaderSealed   = "X-Payload-Sealed"

	// SealedAge is the HeaderSealed value for age-encrypted payloads.
	SealedAge = "age"
)

// Envelope is the wire payload: one batch of records plus the identity of
// the sending application.
type Envelope struct {
	AppKey     string         `json:"app_key"`
	AppVersion string         `json:"app_version,omitempty"`
	AppChannel string         `json:"app_channel,omitempty"`
	DeviceID   string         `json:"device_id"`
	SentAt     time.Time      `json:"sent_at"`
	Records    []track.Record `json:"records"`
}

// EncodeBody serializes an envelope to its wire form: JSON, then gzip,
// then (when a recipient is given) age encryption over the compressed
// bytes.
func EncodeBody(env *Envelope, recipient age.Recipient) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing envelope: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing compression: %w", err)
	}

	if recipient == nil {
		return compressed.Bytes(), nil
	}

	var sealed bytes.Buffer
	ew, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := ew.Write(compressed.Bytes()); err != nil {
		return nil, fmt.Errorf("encrypting envelope: %w", err)
	}
	if err := ew.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return sealed.Bytes(), nil
}

// DecodeBody reverses EncodeBody. identity may be nil for unsealed
// payloads; sealed payloads without an identity are an error.
func DecodeBody(body []byte, identity age.Identity, sealed bool) (*Envelope, error) {
	if sealed {
		if identity == nil {
			return nil, fmt.Errorf("sealed payload but no identity configured")
		}
		dr, err := age.Decrypt(bytes.NewReader(body), identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting payload: %w", err)
		}
		body, err = io.ReadAll(dr)
		if err != nil {
			return nil, fmt.Errorf("reading decrypted payload: %w", err)
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, fmt.Errorf("finalizing decompression: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return &env, nil
}

// Checksum returns the xxhash64 digest of the final body bytes, as sent
// in HeaderChecksum.
func Checksum(body []byte) string {
	return strconv.FormatUint(xxhash.Sum64(body), 16)
}
