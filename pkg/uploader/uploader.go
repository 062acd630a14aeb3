// Package uploader drains the durable queue over the network in batches.
package uploader

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/queue"
	"github.com/nicktill/tinytrack/pkg/track"
	"github.com/nicktill/tinytrack/pkg/transport"
)

// Network is the current connectivity class, supplied by the host
// application. The SDK never probes the network itself.
type Network int

const (
	NetworkUnknown Network = iota
	NetworkWifi
	NetworkCellular
	NetworkOffline
)

// NetworkStateFunc reports current connectivity. Nil means unknown, which
// the wifi-only gate treats as not wifi.
type NetworkStateFunc func() Network

// Skip explains why a RunOnce cycle did nothing.
type Skip string

const (
	SkipNone    Skip = ""
	SkipBusy    Skip = "busy"    // another upload is in flight
	SkipNetwork Skip = "network" // wifi-only and not on wifi
)

// Result reports one RunOnce cycle.
type Result struct {
	Sent int
	Skip Skip
}

// Config configures the uploader. Interval, bulk size, auto-upload and
// the wifi gate are all mutable at runtime through the setters.
type Config struct {
	Interval   time.Duration // default config.DefaultUploadInterval
	BulkSize   int           // default config.DefaultUploadBulkSize
	AutoUpload bool
	SendOnWifi bool
	Network    NetworkStateFunc
}

// Stats counts uploader activity.
type Stats struct {
	Delivered      uint64 // records committed after a server ack
	FailedAttempts uint64 // batches released for retry
}

// Uploader is the single background consumer of the queue. Repeated
// failures never discard data; they only delay it (release and retry,
// with exponential backoff on the timer path).
type Uploader struct {
	queue     queue.Queue
	transport transport.Transport

	mu         sync.Mutex
	started    bool
	interval   time.Duration
	bulkSize   int
	autoUpload bool
	sendOnWifi bool
	network    NetworkStateFunc

	inflight  atomic.Bool
	failures  atomic.Int32
	delivered atomic.Uint64
	failed    atomic.Uint64

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an uploader; Start begins the timer loop.
func New(q queue.Queue, t transport.Transport, cfg Config) *Uploader {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultUploadInterval
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = config.DefaultUploadBulkSize
	}
	return &Uploader{
		queue:      q,
		transport:  t,
		interval:   cfg.Interval,
		bulkSize:   cfg.BulkSize,
		autoUpload: cfg.AutoUpload,
		sendOnWifi: cfg.SendOnWifi,
		network:    cfg.Network,
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the background loop.
func (u *Uploader) Start(ctx context.Context) {
	u.mu.Lock()
	u.started = true
	u.mu.Unlock()
	u.ctx, u.cancel = context.WithCancel(ctx)
	go u.loop()
}

// Stop cancels the loop and waits for it to exit. A batch in flight runs
// to completion (success or failure); there is no mid-batch cancellation.
// Stop on an uploader that was never started is a no-op.
func (u *Uploader) Stop() {
	u.mu.Lock()
	started := u.started
	u.mu.Unlock()
	if !started {
		return
	}
	u.cancel()
	<-u.done
}

// Trigger requests an upload cycle from the background loop without
// blocking the caller. Coalesces with an already-pending trigger.
func (u *Uploader) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the auto-upload interval. Takes effect after the
// current wait.
func (u *Uploader) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	u.mu.Lock()
	u.interval = d
	u.mu.Unlock()
}

// SetBulkSize changes the maximum batch size.
func (u *Uploader) SetBulkSize(n int) {
	if n <= 0 {
		return
	}
	u.mu.Lock()
	u.bulkSize = n
	u.mu.Unlock()
}

// SetAutoUpload enables or disables the timer path. Manual Trigger and
// RunOnce keep working either way.
func (u *Uploader) SetAutoUpload(on bool) {
	u.mu.Lock()
	u.autoUpload = on
	u.mu.Unlock()
}

// SetSendOnWifi enables or disables the wifi-only gate.
func (u *Uploader) SetSendOnWifi(on bool) {
	u.mu.Lock()
	u.sendOnWifi = on
	u.mu.Unlock()
}

// Stats returns delivery counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Delivered:      u.delivered.Load(),
		FailedAttempts: u.failed.Load(),
	}
}

// RunOnce performs one upload cycle: wifi gate, lease, send, commit or
// release. Safe to call concurrently with the timer loop; overlapping
// calls are skipped rather than double-leasing.
func (u *Uploader) RunOnce(ctx context.Context) (Result, error) {
	if !u.inflight.CompareAndSwap(false, true) {
		return Result{Skip: SkipBusy}, nil
	}
	defer u.inflight.Store(false)

	u.mu.Lock()
	bulkSize := u.bulkSize
	sendOnWifi := u.sendOnWifi
	network := u.network
	u.mu.Unlock()

	if sendOnWifi {
		state := NetworkUnknown
		if network != nil {
			state = network()
		}
		if state != NetworkWifi {
			return Result{Skip: SkipNetwork}, nil
		}
	}

	batch, err := u.queue.LeaseBatch(bulkSize)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseHeld) {
			return Result{Skip: SkipBusy}, nil
		}
		return Result{}, err
	}
	if len(batch) == 0 {
		return Result{}, nil
	}

	seqs := make([]uint64, len(batch))
	records := make([]track.Record, len(batch))
	for i, e := range batch {
		seqs[i] = e.Seq
		records[i] = e.Record
	}

	sendCtx, cancel := context.WithTimeout(ctx, config.TransportTimeout)
	err = u.transport.Send(sendCtx, records)
	cancel()

	if err != nil {
		u.failed.Add(1)
		u.failures.Add(1)
		log.Printf("uploader: batch of %d failed, will retry: %v", len(batch), err)
		if rerr := u.queue.Release(seqs); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}

	if err := u.queue.Commit(seqs); err != nil {
		return Result{}, err
	}
	u.failures.Store(0)
	u.delivered.Add(uint64(len(batch)))
	return Result{Sent: len(batch)}, nil
}

// loop runs the timer path. After failures the wait grows exponentially,
// capped at config.MaxUploadBackoff; any success resets it.
func (u *Uploader) loop() {
	defer close(u.done)

	timer := time.NewTimer(u.delay())
	defer timer.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return
		case <-u.trigger:
			u.RunOnce(u.ctx)
		case <-timer.C:
			u.mu.Lock()
			auto := u.autoUpload
			u.mu.Unlock()
			if auto {
				u.RunOnce(u.ctx)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(u.delay())
	}
}

func (u *Uploader) delay() time.Duration {
	u.mu.Lock()
	d := u.interval
	u.mu.Unlock()

	failures := u.failures.Load()
	if failures > 5 {
		failures = 5
	}
	d <<= failures
	if d > config.MaxUploadBackoff {
		d = config.MaxUploadBackoff
	}
	return d
}
