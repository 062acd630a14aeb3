/*
Package queue provides the durable pending-record queue between event
capture and upload.

# Queue Interface

Two backends implement the Queue interface:
  - memory: In-memory queue for tests and ephemeral embedding
  - badger: BadgerDB-backed queue for crash-safe production use

# Delivery Semantics

The queue gives at-least-once delivery with FIFO ordering:

  - Enqueue assigns a monotonic sequence and is durable before it returns
  - LeaseBatch returns the oldest pending entries, ascending by sequence
  - Only one lease may be outstanding at a time (single uploader)
  - Commit deletes delivered entries; Release returns them to pending
    with an incremented attempt count
  - Leases are not persisted: a crash during an upload attempt simply
    leaves the batch pending for the next process

A batch that was transmitted but crashed before Commit is re-sent on the
next run. The collector deduplicates by record identifier, which is why
every record carries one.

# Overflow

Storage is bounded. When the configured entry cap is reached, Enqueue
evicts the oldest un-leased entry before appending (oldest-drop). The
eviction count is exposed through Stats on each backend.
*/
package queue
