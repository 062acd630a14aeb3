package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"filippo.io/age"
	cache "github.com/patrickmn/go-cache"

	"github.com/nicktill/tinytrack/pkg/track"
	"github.com/nicktill/tinytrack/pkg/transport"
)

// maxPayloadBytes caps one batch upload after decompression headroom.
const maxPayloadBytes = 10 << 20

// Handler accepts batch uploads from the SDK. Delivery is at-least-once,
// so the handler deduplicates by record id within a sliding window.
type Handler struct {
	identity age.Identity // nil unless sealed payloads are expected
	dedup    *cache.Cache

	mu      sync.RWMutex
	records []track.Record
}

// NewHandler creates a collector handler deduplicating record ids for
// dedupWindow.
func NewHandler(identity age.Identity, dedupWindow time.Duration) *Handler {
	return &Handler{
		identity: identity,
		dedup:    cache.New(dedupWindow, 2*dedupWindow),
	}
}

// TrackResponse acknowledges one batch. Any 2xx tells the SDK to commit
// the batch; everything else asks for a retry.
type TrackResponse struct {
	Status     string `json:"status"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
}

// HandleTrack handles POST /v1/track.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(transport.HeaderAppKey) == "" {
		respondError(w, http.StatusUnauthorized, "missing app key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if sum := r.Header.Get(transport.HeaderChecksum); sum != "" && sum != transport.Checksum(body) {
		respondError(w, http.StatusBadRequest, "payload checksum mismatch")
		return
	}

	sealed := r.Header.Get(transport.HeaderSealed) == transport.SealedAge
	env, err := transport.DecodeBody(body, h.identity, sealed)
	if err != nil {
		respondError(w, http.StatusBadRequest, "undecodable payload: "+err.Error())
		return
	}

	accepted, duplicates := 0, 0
	h.mu.Lock()
	for _, rec := range env.Records {
		id := rec.ID()
		if id == "" {
			continue
		}
		if _, seen := h.dedup.Get(id); seen {
			duplicates++
			continue
		}
		h.dedup.SetDefault(id, struct{}{})
		h.records = append(h.records, rec)
		accepted++
	}
	h.mu.Unlock()

	log.Printf("collector: device=%s accepted=%d duplicates=%d", env.DeviceID, accepted, duplicates)
	respondJSON(w, http.StatusOK, TrackResponse{
		Status:     "ok",
		Accepted:   accepted,
		Duplicates: duplicates,
	})
}

// HandleRecords handles GET /v1/records, dumping everything accepted so
// far. Debugging aid, not an API.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	out := make([]track.Record, len(h.records))
	copy(out, h.records)
	h.mu.RUnlock()
	respondJSON(w, http.StatusOK, out)
}

// Records returns a copy of the accepted records.
func (h *Handler) Records() []track.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]track.Record, len(h.records))
	copy(out, h.records)
	return out
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("collector: encoding response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"status": "error",
		"error":  message,
	})
}
