// Package tracker is the public face of tinytrack: it composes the
// overlay store, session tracker, event builder, durable queue and
// uploader behind the capture API the host application calls.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/queue"
	badgerq "github.com/nicktill/tinytrack/pkg/queue/badger"
	"github.com/nicktill/tinytrack/pkg/track"
	"github.com/nicktill/tinytrack/pkg/track/props"
	"github.com/nicktill/tinytrack/pkg/track/session"
	"github.com/nicktill/tinytrack/pkg/transport"
	"github.com/nicktill/tinytrack/pkg/uploader"
)

// deviceIDKey is the meta-store key the generated device id lives under.
const deviceIDKey = "device_id"

// DropReason classifies why a capture call was dropped. Capture is
// fire-and-forget, so drops surface only through Stats and OnDrop.
type DropReason string

const (
	DropInvalidName DropReason = "invalid_name"
	DropNoSession   DropReason = "no_session"
	DropStorage     DropReason = "storage"
)

// Stats counts capture-side drops.
type Stats struct {
	DroppedInvalid   uint64
	DroppedNoSession uint64
	StorageFailures  uint64
}

// Config configures a Tracker. AppKey is required; everything else has a
// default. Exactly one of QueuePath (badger-backed, durable) or Queue
// (caller-supplied backend) must be set.
type Config struct {
	AppKey     string
	AppVersion string
	AppChannel string

	// Endpoint of the collector; default config.DefaultEndpoint.
	Endpoint string

	// QueuePath is the directory for the durable badger queue.
	QueuePath string

	// Queue overrides QueuePath with a caller-supplied queue backend.
	Queue queue.Queue

	// Transport overrides the HTTP transport (tests, custom channels).
	Transport transport.Transport

	// DisableAutoUpload turns the upload timer off; the caller then
	// drives delivery with Upload or UploadNow.
	DisableAutoUpload bool

	// SendOnWifi delays upload until the Network collaborator reports
	// wifi connectivity.
	SendOnWifi bool

	// Network reports current connectivity; required for SendOnWifi to
	// ever pass.
	Network uploader.NetworkStateFunc

	// CustomDeviceID overrides the generated, persisted device id.
	CustomDeviceID string

	// EncryptTo optionally seals wire payloads to an age public key.
	EncryptTo string

	UploadInterval    time.Duration // default 15s
	UploadBulkSize    int           // default 100
	SessionInactivity time.Duration // default config.DefaultSessionInactivity

	// OnDrop is called for every dropped capture, with the drop reason
	// and the event name (empty for profile updates). Must be fast.
	OnDrop func(reason DropReason, name string)
}

// Tracker owns the capture pipeline. Create one per application with New,
// Start it once, and Stop it on shutdown. Capture calls never block on
// the network and never return errors.
type Tracker struct {
	cfg      Config
	queue    queue.Queue
	ownQueue bool
	deviceID string

	props    *props.Store
	sessions *session.Tracker
	builder  *track.Builder
	uploader *uploader.Uploader

	mu       sync.Mutex
	userID   string
	account  string
	location *track.Location

	droppedInvalid   atomic.Uint64
	droppedNoSession atomic.Uint64
	storageFailures  atomic.Uint64

	started bool
}

// New wires up a tracker. The only fatal errors are configuration ones:
// a missing app key, no queue, or a queue that cannot be opened.
func New(cfg Config) (*Tracker, error) {
	if cfg.AppKey == "" {
		return nil, errors.New("tracker: app key is required")
	}
	if cfg.UploadInterval <= 0 {
		cfg.UploadInterval = config.DefaultUploadInterval
	}
	if cfg.UploadBulkSize <= 0 {
		cfg.UploadBulkSize = config.DefaultUploadBulkSize
	}
	if cfg.SessionInactivity <= 0 {
		cfg.SessionInactivity = config.DefaultSessionInactivity
	}

	q := cfg.Queue
	ownQueue := false
	if q == nil {
		if cfg.QueuePath == "" {
			return nil, errors.New("tracker: queue path is required")
		}
		bq, err := badgerq.Open(badgerq.Config{Path: cfg.QueuePath})
		if err != nil {
			return nil, fmt.Errorf("opening queue: %w", err)
		}
		q = bq
		ownQueue = true
	}

	// The meta store is optional: a custom queue without one keeps the
	// overlay and device id memory-only.
	meta, _ := q.(queue.MetaStore)

	deviceID, err := resolveDeviceID(cfg.CustomDeviceID, meta)
	if err != nil {
		if ownQueue {
			q.Close()
		}
		return nil, err
	}

	overlay, err := props.NewStore(meta)
	if err != nil {
		if ownQueue {
			q.Close()
		}
		return nil, err
	}

	sessions := session.New(cfg.SessionInactivity)

	trans := cfg.Transport
	if trans == nil {
		trans, err = transport.NewHTTP(transport.HTTPConfig{
			Endpoint:   cfg.Endpoint,
			AppKey:     cfg.AppKey,
			AppVersion: cfg.AppVersion,
			AppChannel: cfg.AppChannel,
			DeviceID:   deviceID,
			EncryptTo:  cfg.EncryptTo,
		})
		if err != nil {
			if ownQueue {
				q.Close()
			}
			return nil, err
		}
	}

	up := uploader.New(q, trans, uploader.Config{
		Interval:   cfg.UploadInterval,
		BulkSize:   cfg.UploadBulkSize,
		AutoUpload: !cfg.DisableAutoUpload,
		SendOnWifi: cfg.SendOnWifi,
		Network:    cfg.Network,
	})

	return &Tracker{
		cfg:      cfg,
		queue:    q,
		ownQueue: ownQueue,
		deviceID: deviceID,
		props:    overlay,
		sessions: sessions,
		builder:  track.NewBuilder(overlay, sessions),
		uploader: up,
	}, nil
}

// resolveDeviceID returns the override, or the persisted generated id,
// generating and persisting a fresh one on first run.
func resolveDeviceID(custom string, meta queue.MetaStore) (string, error) {
	if custom != "" {
		return custom, nil
	}
	if meta == nil {
		return uuid.NewString(), nil
	}
	raw, err := meta.MetaGet(deviceIDKey)
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := meta.MetaSet(deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persisting device id: %w", err)
	}
	return id, nil
}

// Start launches the background uploader. Capture works from New on;
// nothing leaves the device until Start.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("tracker: already started")
	}
	t.uploader.Start(ctx)
	t.started = true
	return nil
}

// Stop shuts the uploader down and clears pending timers. Queued records
// stay on disk for the next run; Stop never drops data.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	started := t.started
	t.started = false
	t.mu.Unlock()

	if started {
		t.uploader.Stop()
	}
	t.props.ClearTimers()
	if t.ownQueue {
		return t.queue.Close()
	}
	return nil
}

// DeviceID returns the device identifier stamped on every upload.
func (t *Tracker) DeviceID() string { return t.deviceID }

// EnterForeground reports that the host app became active. Starts or
// resumes the session.
func (t *Tracker) EnterForeground() { t.sessions.EnterForeground() }

// EnterBackground reports that the host app went to the background. The
// session expires after the configured inactivity threshold.
func (t *Tracker) EnterBackground() { t.sessions.EnterBackground() }

// LoginUser associates subsequent events and profile updates with a user.
func (t *Tracker) LoginUser(userID string) {
	t.LoginUserAccount(userID, "")
}

// LoginUserAccount associates a user id plus account name.
func (t *Tracker) LoginUserAccount(userID, account string) {
	t.mu.Lock()
	t.userID = userID
	t.account = account
	t.mu.Unlock()
}

// LogoutUser clears the user association.
func (t *Tracker) LogoutUser() {
	t.mu.Lock()
	t.userID = ""
	t.account = ""
	t.mu.Unlock()
}

// SetLocation sets a sticky location applied to events that do not carry
// their own.
func (t *Tracker) SetLocation(latitude, longitude float64) {
	t.mu.Lock()
	t.location = &track.Location{Latitude: latitude, Longitude: longitude}
	t.mu.Unlock()
}

// EventOption customizes one TrackEvent call.
type EventOption func(*track.Input)

// WithCost records an explicit duration in seconds. A running timer for
// the same event name takes precedence when the explicit cost is zero.
func WithCost(seconds float64) EventOption {
	return func(in *track.Input) { in.CostSeconds = seconds }
}

// WithCategories sets the ordered category path. Paths deeper than
// track.MaxCategoryDepth are truncated.
func WithCategories(categories ...string) EventOption {
	return func(in *track.Input) { in.Categories = categories }
}

// WithAttributes sets call-site attributes. They win over super-properties
// on key collision.
func WithAttributes(attrs map[string]track.Value) EventOption {
	return func(in *track.Input) { in.Attributes = attrs }
}

// WithLocation attaches a geo-coordinate to this event only.
func WithLocation(latitude, longitude float64) EventOption {
	return func(in *track.Input) {
		in.Location = &track.Location{Latitude: latitude, Longitude: longitude}
	}
}

// MustInSession drops the event unless a session is active. Without it,
// pre-session events are captured with an empty session id.
func MustInSession() EventOption {
	return func(in *track.Input) { in.RequireSession = true }
}

// TrackEvent captures one event. Fire-and-forget: invalid input is
// dropped silently (counted in Stats, reported to OnDrop). Never blocks
// on the network.
func (t *Tracker) TrackEvent(name string, opts ...EventOption) {
	in := track.Input{Name: name}
	for _, opt := range opts {
		opt(&in)
	}
	t.capture(in)
}

// capture runs the builder and enqueues the result.
func (t *Tracker) capture(in track.Input) {
	t.mu.Lock()
	in.UserID = t.userID
	if in.Location == nil {
		in.Location = t.location
	}
	t.mu.Unlock()

	rec, err := t.builder.Build(in)
	if err != nil {
		switch {
		case errors.Is(err, track.ErrNoSession):
			t.droppedNoSession.Add(1)
			t.notifyDrop(DropNoSession, in.Name)
		default:
			t.droppedInvalid.Add(1)
			t.notifyDrop(DropInvalidName, in.Name)
		}
		return
	}
	t.enqueue(track.Record{Event: rec}, in.Name)
}

// enqueue appends a record to the durable queue. A failed durable write
// drops the record rather than holding it in memory only.
func (t *Tracker) enqueue(rec track.Record, name string) {
	if _, err := t.queue.Enqueue(rec); err != nil {
		t.storageFailures.Add(1)
		t.notifyDrop(DropStorage, name)
		log.Printf("tracker: dropping record, durable write failed: %v", err)
	}
}

func (t *Tracker) notifyDrop(reason DropReason, name string) {
	if t.cfg.OnDrop != nil {
		t.cfg.OnDrop(reason, name)
	}
}

// TrackTimer starts a timer that the next event with the same name
// absorbs as its cost duration.
func (t *Tracker) TrackTimer(name string) { t.props.StartTimer(name) }

// ClearTrackTimers drops all running timers.
func (t *Tracker) ClearTrackTimers() { t.props.ClearTimers() }

// RegisterSuperProperties sets super-properties, overwriting existing keys.
func (t *Tracker) RegisterSuperProperties(properties map[string]track.Value) {
	t.props.Register(properties)
}

// RegisterSuperPropertiesOnce sets super-properties without overwriting
// keys that already exist.
func (t *Tracker) RegisterSuperPropertiesOnce(properties map[string]track.Value) {
	t.props.RegisterOnce(properties)
}

// RegisterSuperPropertiesOnceDefault is RegisterSuperPropertiesOnce,
// except keys whose current value equals sentinel are overwritten.
func (t *Tracker) RegisterSuperPropertiesOnceDefault(properties map[string]track.Value, sentinel track.Value) {
	t.props.RegisterOnceDefault(properties, &sentinel)
}

// UnregisterSuperProperty removes one super-property.
func (t *Tracker) UnregisterSuperProperty(key string) { t.props.Unregister(key) }

// ClearSuperProperties removes all super-properties.
func (t *Tracker) ClearSuperProperties() { t.props.Clear() }

// CurrentSuperProperties returns a snapshot of the super-properties.
func (t *Tracker) CurrentSuperProperties() map[string]track.Value {
	return t.props.Snapshot()
}

// SetAutoUpload toggles the upload timer at runtime.
func (t *Tracker) SetAutoUpload(on bool) { t.uploader.SetAutoUpload(on) }

// SetSendOnWifi toggles the wifi-only gate at runtime.
func (t *Tracker) SetSendOnWifi(on bool) { t.uploader.SetSendOnWifi(on) }

// SetUploadInterval changes the auto-upload interval.
func (t *Tracker) SetUploadInterval(d time.Duration) { t.uploader.SetInterval(d) }

// SetUploadBulkSize changes the per-batch record cap.
func (t *Tracker) SetUploadBulkSize(n int) { t.uploader.SetBulkSize(n) }

// Upload asks the background uploader for an extra cycle, without
// blocking. Prefer letting the timer do its job.
func (t *Tracker) Upload() { t.uploader.Trigger() }

// UploadNow runs one synchronous upload cycle. Mostly useful right
// before shutdown and in tests.
func (t *Tracker) UploadNow(ctx context.Context) (uploader.Result, error) {
	return t.uploader.RunOnce(ctx)
}

// Pending returns the number of records still queued.
func (t *Tracker) Pending() (int, error) { return t.queue.Len() }

// Stats returns capture-side drop counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		DroppedInvalid:   t.droppedInvalid.Load(),
		DroppedNoSession: t.droppedNoSession.Load(),
		StorageFailures:  t.storageFailures.Load(),
	}
}

// currentUserID returns the logged-in user id, falling back to the device
// id so profile updates always target someone.
func (t *Tracker) currentUserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID != "" {
		return t.userID
	}
	return t.deviceID
}
