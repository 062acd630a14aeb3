package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinytrack/pkg/queue/memory"
	"github.com/nicktill/tinytrack/pkg/track"
	"github.com/nicktill/tinytrack/pkg/transport"
)

// fakeTransport collects every record sent.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]track.Record
}

var _ transport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Send(ctx context.Context, records []track.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]track.Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeTransport) allRecords() []track.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []track.Record
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type testEnv struct {
	tracker *Tracker
	queue   *memory.Queue
	trans   *fakeTransport
	drops   *dropRecorder
}

type dropRecorder struct {
	mu    sync.Mutex
	drops []DropReason
}

func (d *dropRecorder) record(reason DropReason, name string) {
	d.mu.Lock()
	d.drops = append(d.drops, reason)
	d.mu.Unlock()
}

func (d *dropRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.drops)
}

func newTestTracker(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	q := memory.New()
	trans := &fakeTransport{}
	drops := &dropRecorder{}
	cfg := Config{
		AppKey:            "test-key",
		Queue:             q,
		Transport:         trans,
		DisableAutoUpload: true,
		OnDrop:            drops.record,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	return &testEnv{tracker: tr, queue: q, trans: trans, drops: drops}
}

func TestNewRequiresAppKey(t *testing.T) {
	if _, err := New(Config{Queue: memory.New()}); err == nil {
		t.Error("New accepted an empty app key")
	}
}

func TestReservedNameNotQueued(t *testing.T) {
	env := newTestTracker(t)

	env.tracker.TrackEvent("da.secret")
	env.tracker.TrackEvent("")

	if n, _ := env.tracker.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0 (invalid events dropped)", n)
	}
	if s := env.tracker.Stats(); s.DroppedInvalid != 2 {
		t.Errorf("dropped invalid = %d, want 2", s.DroppedInvalid)
	}
	if env.drops.count() != 2 {
		t.Errorf("OnDrop calls = %d, want 2", env.drops.count())
	}
}

func TestMustInSessionGate(t *testing.T) {
	env := newTestTracker(t)

	env.tracker.TrackEvent("click", MustInSession())
	if n, _ := env.tracker.Pending(); n != 0 {
		t.Fatalf("pre-session event queued despite MustInSession")
	}
	if s := env.tracker.Stats(); s.DroppedNoSession != 1 {
		t.Errorf("dropped no-session = %d, want 1", s.DroppedNoSession)
	}

	// Without the gate the event is tagged session-less.
	env.tracker.TrackEvent("click")
	if n, _ := env.tracker.Pending(); n != 1 {
		t.Fatalf("session-less event not queued")
	}

	env.tracker.EnterForeground()
	env.tracker.TrackEvent("click", MustInSession())
	if n, _ := env.tracker.Pending(); n != 2 {
		t.Errorf("in-session event not queued")
	}
}

func TestSessionIDStamped(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.EnterForeground()
	env.tracker.TrackEvent("click")

	if _, err := env.tracker.UploadNow(context.Background()); err != nil {
		t.Fatalf("UploadNow failed: %v", err)
	}
	recs := env.trans.allRecords()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Event.SessionID == "" {
		t.Error("event missing session id")
	}
}

func TestTimerInjectsDuration(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.TrackTimer("image_upload")
	time.Sleep(30 * time.Millisecond)
	env.tracker.TrackEvent("image_upload")
	env.tracker.TrackEvent("image_upload") // no timer anymore

	if _, err := env.tracker.UploadNow(context.Background()); err != nil {
		t.Fatalf("UploadNow failed: %v", err)
	}
	recs := env.trans.allRecords()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if got := recs[0].Event.CostSeconds; got < 0.02 || got > 5 {
		t.Errorf("first event cost = %v, want ≈ elapsed wall time", got)
	}
	if got := recs[1].Event.CostSeconds; got != 0 {
		t.Errorf("second event cost = %v, want 0 (timer consumed)", got)
	}
}

func TestSuperPropertiesMergedIntoEvents(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.RegisterSuperProperties(map[string]track.Value{
		"channel": track.String("appstore"),
		"btn":     track.String("super"),
	})
	env.tracker.TrackEvent("click", WithAttributes(map[string]track.Value{
		"btn": track.String("ok"),
	}))

	if _, err := env.tracker.UploadNow(context.Background()); err != nil {
		t.Fatalf("UploadNow failed: %v", err)
	}
	recs := env.trans.allRecords()
	attrs := recs[0].Event.Attributes
	if !attrs["channel"].Equal(track.String("appstore")) {
		t.Errorf("channel = %+v, want super-property", attrs["channel"])
	}
	if !attrs["btn"].Equal(track.String("ok")) {
		t.Errorf("btn = %+v, want call-site value", attrs["btn"])
	}
}

func TestRegisterOnceDefaultSentinel(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.RegisterSuperProperties(map[string]track.Value{
		"city": track.String("unknown"),
	})
	env.tracker.RegisterSuperPropertiesOnceDefault(map[string]track.Value{
		"city": track.String("Amsterdam"),
	}, track.String("unknown"))

	if got := env.tracker.CurrentSuperProperties()["city"]; !got.Equal(track.String("Amsterdam")) {
		t.Errorf("city = %+v, want sentinel overwritten", got)
	}
}

func TestEndToEndBulkDrain(t *testing.T) {
	env := newTestTracker(t, func(cfg *Config) {
		cfg.UploadBulkSize = 2
	})

	for i := 0; i < 5; i++ {
		env.tracker.TrackEvent("click", WithAttributes(map[string]track.Value{
			"btn": track.String("ok"),
		}))
	}
	if n, _ := env.tracker.Pending(); n != 5 {
		t.Fatalf("pending = %d, want 5", n)
	}

	wantLens := []int{3, 1, 0}
	for i, want := range wantLens {
		if _, err := env.tracker.UploadNow(context.Background()); err != nil {
			t.Fatalf("UploadNow %d failed: %v", i, err)
		}
		if n, _ := env.tracker.Pending(); n != want {
			t.Errorf("after cycle %d pending = %d, want %d", i, n, want)
		}
	}

	sizes := make([]int, len(env.trans.batches))
	for i, b := range env.trans.batches {
		sizes[i] = len(b)
	}
	want := []int{2, 2, 1}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
	for _, rec := range env.trans.allRecords() {
		if rec.Event.Name != "click" || !rec.Event.Attributes["btn"].Equal(track.String("ok")) {
			t.Errorf("record mangled: %+v", rec.Event)
		}
	}
}

func TestCategoriesTruncatedThroughFacade(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.TrackEvent("click", WithCategories("c1", "c2", "c3", "c4", "c5", "c6"))

	env.tracker.UploadNow(context.Background())
	recs := env.trans.allRecords()
	if len(recs[0].Event.Categories) != track.MaxCategoryDepth {
		t.Errorf("categories = %d, want %d", len(recs[0].Event.Categories), track.MaxCategoryDepth)
	}
}

func TestConvenienceEventsUseReservedNames(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.TrackSearch("golang", "site")
	env.tracker.TrackScreen("home")
	env.tracker.TrackFavorite("article-9")

	env.tracker.UploadNow(context.Background())
	recs := env.trans.allRecords()
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	wantNames := []string{"da.search", "da.screen", "da.favorite"}
	for i, want := range wantNames {
		if recs[i].Event.Name != want {
			t.Errorf("event %d = %q, want %q", i, recs[i].Event.Name, want)
		}
	}
	if !recs[0].Event.Attributes["keyword"].Equal(track.String("golang")) {
		t.Errorf("search keyword mangled: %+v", recs[0].Event.Attributes)
	}
}

func TestMissionDuration(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.TrackMissionBegan("m1")
	time.Sleep(30 * time.Millisecond)
	env.tracker.TrackMissionFailed("m1", "timeout")

	env.tracker.UploadNow(context.Background())
	recs := env.trans.allRecords()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	failed := recs[1].Event
	if !failed.Attributes["status"].Equal(track.String("failed")) {
		t.Errorf("status = %+v", failed.Attributes["status"])
	}
	if !failed.Attributes["reason"].Equal(track.String("timeout")) {
		t.Errorf("reason = %+v", failed.Attributes["reason"])
	}
	if failed.CostSeconds < 0.02 {
		t.Errorf("mission cost = %v, want ≈ elapsed", failed.CostSeconds)
	}
}

func TestPeopleRecords(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.LoginUser("joedoe")

	people := env.tracker.People()
	people.Set(map[string]track.Value{"plan": track.String("pro")})
	people.TrackCharge(9.99, map[string]track.Value{"product": track.String("sub")})
	people.DeleteUser()

	env.tracker.UploadNow(context.Background())
	recs := env.trans.allRecords()
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	wantOps := []track.OpKind{track.OpSet, track.OpCharge, track.OpDeleteUser}
	for i, want := range wantOps {
		p := recs[i].Profile
		if p == nil || p.Op != want {
			t.Errorf("record %d op = %+v, want %v", i, p, want)
		}
		if p != nil && p.UserID != "joedoe" {
			t.Errorf("record %d user = %q, want joedoe", i, p.UserID)
		}
	}
	if recs[1].Profile.Amount != 9.99 {
		t.Errorf("charge amount = %v, want 9.99", recs[1].Profile.Amount)
	}
}

func TestPeopleFallsBackToDeviceID(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.People().Set(map[string]track.Value{"plan": track.String("free")})

	env.tracker.UploadNow(context.Background())
	recs := env.trans.allRecords()
	if recs[0].Profile.UserID != env.tracker.DeviceID() {
		t.Errorf("user = %q, want device id %q", recs[0].Profile.UserID, env.tracker.DeviceID())
	}
}

func TestCustomDeviceID(t *testing.T) {
	env := newTestTracker(t, func(cfg *Config) {
		cfg.CustomDeviceID = "custom-udid"
	})
	if env.tracker.DeviceID() != "custom-udid" {
		t.Errorf("device id = %q, want custom-udid", env.tracker.DeviceID())
	}
}

func TestDeviceIDPersistsInMeta(t *testing.T) {
	q := memory.New()
	cfg := Config{
		AppKey:            "k",
		Queue:             q,
		Transport:         &fakeTransport{},
		DisableAutoUpload: true,
	}

	t1, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	id := t1.DeviceID()
	t1.Stop()

	t2, err := New(cfg)
	if err != nil {
		t.Fatalf("New (second) failed: %v", err)
	}
	defer t2.Stop()
	if t2.DeviceID() != id {
		t.Errorf("device id changed across trackers: %q -> %q", id, t2.DeviceID())
	}
}

func TestStickyLocation(t *testing.T) {
	env := newTestTracker(t)
	env.tracker.SetLocation(52.37, 4.89)
	env.tracker.TrackEvent("click")
	env.tracker.TrackEvent("tap", WithLocation(48.85, 2.35))

	env.tracker.UploadNow(context.Background())
	recs := env.trans.allRecords()
	if loc := recs[0].Event.Location; loc == nil || loc.Latitude != 52.37 {
		t.Errorf("sticky location missing: %+v", loc)
	}
	if loc := recs[1].Event.Location; loc == nil || loc.Latitude != 48.85 {
		t.Errorf("explicit location overridden: %+v", loc)
	}
}

func TestStartStop(t *testing.T) {
	env := newTestTracker(t)
	if err := env.tracker.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.tracker.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if err := env.tracker.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
