package aggregatestore

import (
	"context"
	"fmt"
)

// SnapshotPolicy decides when a commit should also capture a snapshot.
type SnapshotPolicy interface {
	// ShouldSnapshot is called with the aggregate version before and after a
	// commit.
	ShouldSnapshot(from, to uint64) bool
}

// EveryN snapshots each time the version crosses a multiple of N.
type EveryN uint64

func (n EveryN) ShouldSnapshot(from, to uint64) bool {
	if n == 0 {
		return false
	}
	return from/uint64(n) != to/uint64(n)
}

// Never disables snapshotting.
type Never struct{}

func (Never) ShouldSnapshot(uint64, uint64) bool { return false }

// SnapshotManager reads and writes aggregate mementos. Cadence is decided by
// the caller; the manager only guards that a snapshot never runs ahead of the
// event log.
type SnapshotManager struct {
	session Session
}

// NewSnapshotManager returns a manager working on session, which may be a
// Storage or a Transaction.
func NewSnapshotManager(session Session) *SnapshotManager {
	return &SnapshotManager{session: session}
}

// Latest returns the current snapshot of aggregateID or nil.
func (m *SnapshotManager) Latest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := m.session.Snapshots().Latest(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %q: %w", aggregateID, WrapStoreError("snapshot latest", err))
	}
	return snap, nil
}

// Save stores memento as the snapshot of aggregateID at version, replacing
// any older snapshot.
func (m *SnapshotManager) Save(ctx context.Context, aggregateID string, version uint64, memento []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if version == 0 {
		return &InvariantError{AggregateID: aggregateID, Reason: "snapshot at version 0"}
	}

	current, err := m.session.Events().Version(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("save snapshot of %q: %w", aggregateID, WrapStoreError("stream version", err))
	}
	if version > current {
		return &InvariantError{
			AggregateID: aggregateID,
			Reason:      fmt.Sprintf("snapshot version %d is ahead of stream version %d", version, current),
		}
	}

	err = m.session.Snapshots().Save(ctx, Snapshot{
		AggregateID: aggregateID,
		Version:     version,
		Payload:     memento,
		CreatedOn:   now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save snapshot of %q: %w", aggregateID, WrapStoreError("snapshot save", err))
	}
	snapshotsSaved.Add(ctx, 1)
	return nil
}

// Capture saves the memento of agg at its current version. Aggregates that do
// not implement Snapshotter are ignored.
func (m *SnapshotManager) Capture(ctx context.Context, agg Aggregate) error {
	s, ok := agg.(Snapshotter)
	if !ok {
		return nil
	}
	memento, err := s.Memento()
	if err != nil {
		return &SerializationError{EventType: "memento:" + TypeName(agg), Err: err}
	}
	return m.Save(ctx, agg.AggregateID(), agg.AggregateVersion(), memento)
}

// Pending returns how many envelopes of aggregateID were written after its
// latest snapshot, or since the beginning of the stream when it has none.
func (m *SnapshotManager) Pending(ctx context.Context, aggregateID string) (uint64, error) {
	snap, err := m.Latest(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	criteria := NewCriteria().ForAggregate(aggregateID)
	if snap != nil {
		criteria = criteria.AfterVersion(snap.Version)
	}
	n, err := m.session.Events().Count(ctx, criteria)
	if err != nil {
		return 0, fmt.Errorf("count events of %q: %w", aggregateID, WrapStoreError("count", err))
	}
	return n, nil
}
