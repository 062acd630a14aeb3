// Package memory implements the queue in memory. Data is lost on restart;
// useful for tests and ephemeral embedding.
package memory

import (
	"sync"
	"time"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/queue"
	"github.com/nicktill/tinytrack/pkg/track"
)

// Queue implements queue.Queue and queue.MetaStore with the same
// semantics as the badger backend: FIFO lease order, single outstanding
// lease, oldest-drop on overflow.
type Queue struct {
	mu        sync.Mutex
	entries   []queue.Entry // ascending by Seq
	meta      map[string][]byte
	nextSeq   uint64
	leased    map[uint64]struct{}
	evictions uint64
	closed    bool

	maxEntries int
}

// New creates an empty in-memory queue.
func New() *Queue {
	return NewWithCap(config.DefaultMaxQueueEntries)
}

// NewWithCap creates an in-memory queue with an explicit entry cap.
func NewWithCap(maxEntries int) *Queue {
	return &Queue{
		meta:       make(map[string][]byte),
		leased:     make(map[uint64]struct{}),
		nextSeq:    1,
		maxEntries: maxEntries,
	}
}

// Enqueue appends one record and returns its sequence.
func (q *Queue) Enqueue(rec track.Record) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}

	if len(q.entries) >= q.maxEntries {
		for i, e := range q.entries {
			if _, held := q.leased[e.Seq]; held {
				continue
			}
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.evictions++
			break
		}
	}

	seq := q.nextSeq
	q.nextSeq++
	q.entries = append(q.entries, queue.Entry{
		Seq:        seq,
		Record:     rec,
		EnqueuedAt: time.Now(),
	})
	return seq, nil
}

// LeaseBatch returns up to maxCount entries, oldest first.
func (q *Queue) LeaseBatch(maxCount int) ([]queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	if len(q.leased) > 0 {
		return nil, queue.ErrLeaseHeld
	}
	if maxCount <= 0 {
		return nil, nil
	}

	n := min(maxCount, len(q.entries))
	batch := make([]queue.Entry, n)
	copy(batch, q.entries[:n])
	for _, e := range batch {
		q.leased[e.Seq] = struct{}{}
	}
	return batch, nil
}

// Commit deletes delivered entries and ends their lease.
func (q *Queue) Commit(seqs []uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if err := q.checkLeased(seqs); err != nil {
		return err
	}

	drop := make(map[uint64]struct{}, len(seqs))
	for _, seq := range seqs {
		drop[seq] = struct{}{}
		delete(q.leased, seq)
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, gone := drop[e.Seq]; !gone {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return nil
}

// Release returns leased entries to pending, incrementing attempts.
func (q *Queue) Release(seqs []uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if err := q.checkLeased(seqs); err != nil {
		return err
	}

	now := time.Now()
	released := make(map[uint64]struct{}, len(seqs))
	for _, seq := range seqs {
		released[seq] = struct{}{}
		delete(q.leased, seq)
	}
	for i := range q.entries {
		if _, ok := released[q.entries[i].Seq]; ok {
			q.entries[i].Attempts++
			q.entries[i].LastAttempt = now
		}
	}
	return nil
}

func (q *Queue) checkLeased(seqs []uint64) error {
	for _, seq := range seqs {
		if _, ok := q.leased[seq]; !ok {
			return queue.ErrNotLeased
		}
	}
	return nil
}

// Len returns the number of stored entries, leased ones included.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	return len(q.entries), nil
}

// Evictions returns how many entries overflow has dropped.
func (q *Queue) Evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions
}

// MetaGet reads a meta value; absent keys return (nil, nil).
func (q *Queue) MetaGet(key string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	value, ok := q.meta[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// MetaSet writes a meta value.
func (q *Queue) MetaSet(key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]byte, len(value))
	copy(out, value)
	q.meta[key] = out
	return nil
}

// Close marks the queue closed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
