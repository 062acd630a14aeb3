// Package badger implements the durable queue on BadgerDB (LSM tree).
package badger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fxamacker/cbor/v2"

	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/queue"
	"github.com/nicktill/tinytrack/pkg/track"
)

// Key layout: entries under 'q' + 8-byte big-endian sequence so that
// lexicographic key order is sequence order; meta values under 'm' + name.
var (
	entryPrefix = []byte("q")
	metaPrefix  = []byte("m")
	seqKey      = []byte("tinytrack_seq")
)

// Config holds BadgerDB queue configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxEntries caps stored entries; 0 means config.DefaultMaxQueueEntries.
	// On overflow the oldest un-leased entry is evicted before appending.
	MaxEntries int

	// DisableSync turns off synchronous WAL writes. Enqueue is then no
	// longer crash-safe; only set this for throwaway embedding.
	DisableSync bool
}

// Queue implements queue.Queue and queue.MetaStore on one BadgerDB.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence

	mu        sync.Mutex
	count     int
	leased    map[uint64]struct{}
	evictions uint64
	closed    bool

	maxEntries int
}

// Stats reports queue health counters.
type Stats struct {
	Pending   int
	Leased    int
	Evictions uint64
}

// Open opens (or creates) a durable queue at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = config.DefaultMaxQueueEntries
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
		cfg.DisableSync = true
	}

	// Client-SDK footprint: small memtable and caches, no compression
	// (payloads are compressed on the wire, entries are tiny), quiet
	// logger so the SDK does not spam the host application's output.
	opts = opts.
		WithSyncWrites(!cfg.DisableSync).
		WithCompression(options.None).
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(4 << 20).
		WithIndexCacheSize(2 << 20).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueLogFileSize(32 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	seq, err := db.GetSequence(seqKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening sequence: %w", err)
	}

	q := &Queue{
		db:         db,
		seq:        seq,
		leased:     make(map[uint64]struct{}),
		maxEntries: cfg.MaxEntries,
	}
	if err := q.countEntries(); err != nil {
		seq.Release()
		db.Close()
		return nil, err
	}
	return q, nil
}

// countEntries scans once at open to recover the pending count.
func (q *Queue) countEntries() error {
	return q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			q.count++
		}
		return nil
	})
}

// Enqueue durably appends one record and returns its sequence. The write
// is synced before return, so an enqueued record survives a process kill.
func (q *Queue) Enqueue(rec track.Record) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}

	seq, err := q.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	entry := queue.Entry{
		Seq:        seq,
		Record:     rec,
		EnqueuedAt: time.Now(),
	}
	value, err := cbor.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encoding entry: %w", err)
	}

	evicted := false
	err = q.db.Update(func(txn *badger.Txn) error {
		if q.count >= q.maxEntries {
			key, ok, err := q.oldestUnleased(txn)
			if err != nil {
				return err
			}
			if !ok {
				// Everything stored is currently leased; the cap is
				// soft in that case rather than dropping the new record.
				evicted = false
			} else {
				if err := txn.Delete(key); err != nil {
					return fmt.Errorf("evicting entry: %w", err)
				}
				evicted = true
			}
		}
		return txn.Set(entryKey(seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("writing entry: %w", err)
	}

	if evicted {
		q.evictions++
	} else {
		q.count++
	}
	return seq, nil
}

// oldestUnleased finds the smallest-sequence key not under lease.
func (q *Queue) oldestUnleased(txn *badger.Txn) ([]byte, bool, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: entryPrefix})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		seq, err := seqFromKey(key)
		if err != nil {
			return nil, false, err
		}
		if _, held := q.leased[seq]; held {
			continue
		}
		return key, true, nil
	}
	return nil, false, nil
}

// LeaseBatch returns up to maxCount pending entries, oldest first, and
// marks them leased. Returns queue.ErrLeaseHeld while a lease is
// outstanding.
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

	var batch []queue.Entry
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         entryPrefix,
			PrefetchValues: true,
			PrefetchSize:   min(maxCount, 128),
		})
		defer it.Close()
		for it.Rewind(); it.Valid() && len(batch) < maxCount; it.Next() {
			var entry queue.Entry
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			batch = append(batch, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

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

	err := q.db.Update(func(txn *badger.Txn) error {
		for _, seq := range seqs {
			if err := txn.Delete(entryKey(seq)); err != nil {
				return fmt.Errorf("deleting entry %d: %w", seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, seq := range seqs {
		delete(q.leased, seq)
		q.count--
	}
	return nil
}

// Release returns leased entries to pending with an incremented attempt
// count.
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
	err := q.db.Update(func(txn *badger.Txn) error {
		for _, seq := range seqs {
			item, err := txn.Get(entryKey(seq))
			if err != nil {
				return fmt.Errorf("reading entry %d: %w", seq, err)
			}
			var entry queue.Entry
			if err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decoding entry %d: %w", seq, err)
			}
			entry.Attempts++
			entry.LastAttempt = now
			value, err := cbor.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encoding entry %d: %w", seq, err)
			}
			if err := txn.Set(entryKey(seq), value); err != nil {
				return fmt.Errorf("rewriting entry %d: %w", seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, seq := range seqs {
		delete(q.leased, seq)
	}
	return nil
}

func (q *Queue) checkLeased(seqs []uint64) error {
	for _, seq := range seqs {
		if _, ok := q.leased[seq]; !ok {
			return fmt.Errorf("%w: %d", queue.ErrNotLeased, seq)
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
	return q.count, nil
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   q.count - len(q.leased),
		Leased:    len(q.leased),
		Evictions: q.evictions,
	}
}

// MetaGet reads a meta value; absent keys return (nil, nil).
func (q *Queue) MetaGet(key string) ([]byte, error) {
	var value []byte
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, nil
}

// MetaSet durably writes a meta value.
func (q *Queue) MetaSet(key string, value []byte) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// Close releases the sequence lease and shuts the database down.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if err := q.seq.Release(); err != nil {
		q.db.Close()
		return fmt.Errorf("releasing sequence: %w", err)
	}
	return q.db.Close()
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}

func seqFromKey(key []byte) (uint64, error) {
	if len(key) != len(entryPrefix)+8 {
		return 0, fmt.Errorf("malformed entry key %x", key)
	}
	return binary.BigEndian.Uint64(key[len(entryPrefix):]), nil
}

func metaKey(name string) []byte {
	return append(append([]byte{}, metaPrefix...), name...)
}
