package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytrack/pkg/track"
	"github.com/nicktill/tinytrack/pkg/transport"
)

func testEnvelope(ids ...string) *transport.Envelope {
	records := make([]track.Record, len(ids))
	for i, id := range ids {
		records[i] = track.Record{Event: &track.EventRecord{
			ID:        id,
			Name:      "click",
			Timestamp: time.Now(),
		}}
	}
	return &transport.Envelope{
		AppKey:   "app-key",
		DeviceID: "device-1",
		SentAt:   time.Now(),
		Records:  records,
	}
}

func postEnvelope(t *testing.T, h *Handler, env *transport.Envelope, recipient age.Recipient) *httptest.ResponseRecorder {
	t.Helper()
	body, err := transport.EncodeBody(env, recipient)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/track", bytes.NewReader(body))
	req.Header.Set(transport.HeaderAppKey, env.AppKey)
	req.Header.Set(transport.HeaderChecksum, transport.Checksum(body))
	if recipient != nil {
		req.Header.Set(transport.HeaderSealed, transport.SealedAge)
	}

	w := httptest.NewRecorder()
	h.HandleTrack(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) TrackResponse {
	t.Helper()
	var resp TrackResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHandleTrackAccepts(t *testing.T) {
	h := NewHandler(nil, time.Hour)

	w := postEnvelope(t, h, testEnvelope("a", "b", "c"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, 3, resp.Accepted)
	assert.Equal(t, 0, resp.Duplicates)
	assert.Len(t, h.Records(), 3)
}

func TestHandleTrackDeduplicatesRetries(t *testing.T) {
	h := NewHandler(nil, time.Hour)

	// The same batch delivered twice, as happens after a lost ack.
	w := postEnvelope(t, h, testEnvelope("a", "b"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = postEnvelope(t, h, testEnvelope("a", "b"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, 0, resp.Accepted)
	assert.Equal(t, 2, resp.Duplicates)
	assert.Len(t, h.Records(), 2)
}

func TestHandleTrackMissingAppKey(t *testing.T) {
	h := NewHandler(nil, time.Hour)

	body, err := transport.EncodeBody(testEnvelope("a"), nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/track", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleTrack(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.Records())
}

func TestHandleTrackChecksumMismatch(t *testing.T) {
	h := NewHandler(nil, time.Hour)

	body, err := transport.EncodeBody(testEnvelope("a"), nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/track", bytes.NewReader(body))
	req.Header.Set(transport.HeaderAppKey, "app-key")
	req.Header.Set(transport.HeaderChecksum, "deadbeef")
	w := httptest.NewRecorder()
	h.HandleTrack(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTrackUndecodableBody(t *testing.T) {
	h := NewHandler(nil, time.Hour)

	body := []byte("not gzip at all")
	req := httptest.NewRequest(http.MethodPost, "/v1/track", bytes.NewReader(body))
	req.Header.Set(transport.HeaderAppKey, "app-key")
	w := httptest.NewRecorder()
	h.HandleTrack(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTrackSealed(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	h := NewHandler(identity, time.Hour)
	w := postEnvelope(t, h, testEnvelope("a"), identity.Recipient())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeResponse(t, w).Accepted)

	// A sealed payload against a collector with no identity is rejected.
	h2 := NewHandler(nil, time.Hour)
	w = postEnvelope(t, h2, testEnvelope("b"), identity.Recipient())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecords(t *testing.T) {
	h := NewHandler(nil, time.Hour)
	postEnvelope(t, h, testEnvelope("a"), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	w := httptest.NewRecorder()
	h.HandleRecords(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var records []track.Record
	require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
	assert.Len(t, records, 1)
	assert.Equal(t, "click", records[0].Event.Name)
}
