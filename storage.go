package aggregatestore

import (
	"context"
	"time"
)

// EnvelopeStore is an append-only, strictly ordered log of envelopes keyed by
// aggregate id.
type EnvelopeStore interface {
	// Append writes all envelopes of one aggregate stream in a single unit:
	// either every envelope becomes visible or none does.
	//
	// The envelopes must carry contiguous versions that follow the current
	// stream version, and the stream must match expected. Otherwise a
	// *ConcurrencyConflictError is returned and nothing is written. An empty
	// batch is a no-op. The store assigns GlobalVersion.
	Append(ctx context.Context, expected StreamState, envelopes ...Envelope) (AppendResult, error)

	// ReadStream returns the envelopes of aggregateID with a version strictly
	// greater than fromVersion, ascending. fromVersion 0 reads the whole
	// stream; limit 0 means no limit. Only committed envelopes are visible.
	// The sequence can be restarted by calling ReadStream again.
	ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) (*Iterator[*Envelope], error)

	// Query returns the envelopes selected by criteria.
	Query(ctx context.Context, criteria Criteria) (*Iterator[*Envelope], error)

	// Count returns the number of envelopes selected by criteria, honoring
	// its MaxCount.
	Count(ctx context.Context, criteria Criteria) (uint64, error)

	// Version returns the current version of the stream, 0 when it is empty.
	Version(ctx context.Context, aggregateID string) (uint64, error)
}

// Snapshot is a memento of an aggregate captured at Version.
type Snapshot struct {
	AggregateID string
	Version     uint64
	Payload     []byte
	CreatedOn   time.Time
}

// SnapshotStore keeps at most one live snapshot per aggregate.
type SnapshotStore interface {
	// Latest returns the current snapshot of aggregateID, or nil when the
	// aggregate was never snapshotted.
	Latest(ctx context.Context, aggregateID string) (*Snapshot, error)

	// Save replaces the current snapshot in one atomic step. A snapshot with a
	// lower version than the stored one is ignored; saving the same version
	// again overwrites it.
	Save(ctx context.Context, snapshot Snapshot) error

	// Delete removes the snapshot of aggregateID, if any.
	Delete(ctx context.Context, aggregateID string) error
}

// Session groups the three logical tables of the engine.
type Session interface {
	Events() EnvelopeStore
	Notifications() EnvelopeStore
	Snapshots() SnapshotStore
}

// Transaction is a Session whose writes become visible together on Commit.
type Transaction interface {
	Session
	Commit() error
	Rollback() error
}

// Storage is the backing store of the engine. Writes made through the
// stores returned by Storage itself each run in their own transaction.
type Storage interface {
	Session
	Begin(ctx context.Context) (Transaction, error)
	Close() error
}

// Store returns the EnvelopeStore of s for log.
func Store(s Session, log Log) EnvelopeStore {
	if log == NotificationLog {
		return s.Notifications()
	}
	return s.Events()
}

// WithinTx runs fn inside a transaction of storage and commits when fn
// returns nil. The transaction is rolled back on error or panic.
func WithinTx(ctx context.Context, storage Storage, fn func(tx Transaction) error) (err error) {
	tx, err := storage.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	return tx.Commit()
}
