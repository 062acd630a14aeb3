package config

import "time"

// Upload scheduling defaults
const (
	DefaultUploadInterval = 15 * time.Second
	DefaultUploadBulkSize = 100
	MaxUploadBackoff      = 5 * time.Minute
)

// Transport defaults
const (
	DefaultEndpoint  = "http://localhost:8080/v1/track"
	TransportTimeout = 10 * time.Second
)

// Session defaults
const (
	// DefaultSessionInactivity is how long the app may stay in the
	// background before the session ends.
	DefaultSessionInactivity = 30 * time.Second
)

// Queue defaults
const (
	// DefaultMaxQueueEntries caps local storage. On overflow the oldest
	// un-leased entry is evicted (oldest-drop).
	DefaultMaxQueueEntries = 10000
)
