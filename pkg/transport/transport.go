// Package transport sends record batches to the collector.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"filippo.io/age"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/track"
)

// Overridable for tests.
var timeNow = time.Now

// Transport delivers one batch of records. A nil error means the
// collector acknowledged the whole batch; any error means the batch must
// be retried.
type Transport interface {
	Send(ctx context.Context, records []track.Record) error
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Endpoint   string
	AppKey     string
	AppVersion string
	AppChannel string
	DeviceID   string

	// EncryptTo optionally seals payloads to an age recipient public
	// key (age1... format).
	EncryptTo string
}

// HTTPTransport implements Transport over HTTP POST.
type HTTPTransport struct {
	cfg       HTTPConfig
	recipient age.Recipient
	client    *http.Client
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = config.DefaultEndpoint
	}
	var recipient age.Recipient
	if cfg.EncryptTo != "" {
		r, err := age.ParseX25519Recipient(cfg.EncryptTo)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key: %w", err)
		}
		recipient = r
	}
	return &HTTPTransport{
		cfg:       cfg,
		recipient: recipient,
		client: &http.Client{
			Timeout: config.TransportTimeout,
		},
	}, nil
}

// Send posts one batch. The collector's status code is the acknowledgment:
// 2xx accepts the batch, anything else asks for a retry.
func (t *HTTPTransport) Send(ctx context.Context, records []track.Record) error {
	if len(records) == 0 {
		return nil
	}

	env := &Envelope{
		AppKey:     t.cfg.AppKey,
		AppVersion: t.cfg.AppVersion,
		AppChannel: t.cfg.AppChannel,
		DeviceID:   t.cfg.DeviceID,
		SentAt:     timeNow(),
		Records:    records,
	}
	body, err := EncodeBody(env, t.recipient)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAppKey, t.cfg.AppKey)
	req.Header.Set(HeaderChecksum, Checksum(body))
	if t.recipient != nil {
		// Sealed payloads are age ciphertext on the wire; advertising
		// gzip would let an intermediary mangle them.
		req.Header.Set(HeaderSealed, SealedAge)
	} else {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}
