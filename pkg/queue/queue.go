package queue

import (
	"errors"
	"time"

	"github.com/nicktill/tinytrack/pkg/track"
)

var (
	// ErrLeaseHeld is returned by LeaseBatch while another lease is
	// outstanding. At most one lease exists at a time.
	ErrLeaseHeld = errors.New("queue: lease already outstanding")

	// ErrNotLeased is returned by Commit/Release for sequences that are
	// not part of the current lease.
	ErrNotLeased = errors.New("queue: sequence not leased")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// Entry wraps one queued record with its delivery bookkeeping. The queue
// exclusively owns entry lifetime; the uploader only ever holds a
// transient lease on a batch.
type Entry struct {
	Seq         uint64       `cbor:"1,keyasint"`
	Record      track.Record `cbor:"2,keyasint"`
	EnqueuedAt  time.Time    `cbor:"3,keyasint"`
	Attempts    int          `cbor:"4,keyasint,omitempty"`
	LastAttempt time.Time    `cbor:"5,keyasint,omitempty"`
}

// Queue is the durable buffer between capture and upload.
//
// Enqueue is crash-safe: once it returns, the record survives an
// immediate process kill. LeaseBatch hands out entries oldest-first and
// enforces the single-outstanding-lease rule; a leased batch must be
// resolved with Commit (delete, on acknowledged delivery) or Release
// (return to pending, attempt count incremented) before the entries can
// be leased again. Leases are memory-only, so a crash mid-batch leaves
// the entries pending on reopen.
type Queue interface {
	Enqueue(rec track.Record) (uint64, error)
	LeaseBatch(maxCount int) ([]Entry, error)
	Commit(seqs []uint64) error
	Release(seqs []uint64) error
	Len() (int, error)
	Close() error
}

// MetaStore is a small key/value side-channel on the same durable store,
// used for the device identifier and the super-property snapshot.
// MetaGet returns (nil, nil) for absent keys.
type MetaStore interface {
	MetaGet(key string) ([]byte, error)
	MetaSet(key string, value []byte) error
}
