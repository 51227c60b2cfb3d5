// Package memory implements an in-process Storage. Transactions buffer their
// writes and apply them all at once on Commit.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
)

type envelopeLog struct {
	global  []*es.Envelope
	streams map[string][]*es.Envelope
	ids     map[uuid.UUID]struct{}
}

func newEnvelopeLog() *envelopeLog {
	return &envelopeLog{
		streams: make(map[string][]*es.Envelope),
		ids:     make(map[uuid.UUID]struct{}),
	}
}

// MemoryStore is a Storage kept in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	logs      map[es.Log]*envelopeLog
	snapshots map[string]es.Snapshot
}

var _ es.Storage = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: map[es.Log]*envelopeLog{
			es.DomainLog:       newEnvelopeLog(),
			es.NotificationLog: newEnvelopeLog(),
		},
		snapshots: make(map[string]es.Snapshot),
	}
}

func (m *MemoryStore) Events() es.EnvelopeStore {
	return &autoCommitLog{store: m, log: es.DomainLog}
}

func (m *MemoryStore) Notifications() es.EnvelopeStore {
	return &autoCommitLog{store: m, log: es.NotificationLog}
}

func (m *MemoryStore) Snapshots() es.SnapshotStore {
	return &autoCommitSnapshots{store: m}
}

// Begin starts a transaction. Nothing written through it is visible to other
// readers before Commit.
func (m *MemoryStore) Begin(ctx context.Context) (es.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, es.ErrStoreClosed
	}
	return newTx(m), nil
}

// Close makes every further operation fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// committed returns the committed envelopes of one stream. The returned slice
// must not be modified.
func (m *MemoryStore) committed(log es.Log, aggregateID string) ([]*es.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, es.ErrStoreClosed
	}
	stream := m.logs[log].streams[aggregateID]
	return stream[:len(stream):len(stream)], nil
}

// committedAll returns every committed envelope of log in global order.
func (m *MemoryStore) committedAll(log es.Log) ([]*es.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, es.ErrStoreClosed
	}
	global := m.logs[log].global
	return global[:len(global):len(global)], nil
}

func (m *MemoryStore) latestSnapshot(aggregateID string) (*es.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, es.ErrStoreClosed
	}
	snap, ok := m.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(snap), nil
}

// apply writes the buffered state of t. Every batch is checked before any is
// written so that a conflict leaves the store untouched.
func (m *MemoryStore) apply(t *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return es.ErrStoreClosed
	}

	expected := map[es.Log]map[string]uint64{}
	for _, b := range t.batches {
		l := m.logs[b.log]
		if expected[b.log] == nil {
			expected[b.log] = map[string]uint64{}
		}
		current, seen := expected[b.log][b.aggregateID]
		if !seen {
			current = uint64(len(l.streams[b.aggregateID]))
		}
		if err := es.ValidateBatch(b.log, b.aggregateID, current, b.envelopes); err != nil {
			return err
		}
		for _, env := range b.envelopes {
			if _, dup := l.ids[env.EventID]; dup {
				return fmt.Errorf("%w: duplicate event id %s", es.ErrInvalidEventBatch, env.EventID)
			}
		}
		expected[b.log][b.aggregateID] = current + uint64(len(b.envelopes))
	}

	for _, b := range t.batches {
		l := m.logs[b.log]
		for i := range b.envelopes {
			env := b.envelopes[i].Clone()
			env.Event = nil
			env.GlobalVersion = uint64(len(l.global)) + 1
			l.global = append(l.global, env)
			l.streams[b.aggregateID] = append(l.streams[b.aggregateID], env)
			l.ids[env.EventID] = struct{}{}
			b.lastGlobal = env.GlobalVersion
		}
	}

	for _, id := range t.snapshotOrder {
		op := t.snapshots[id]
		if op.delete {
			delete(m.snapshots, id)
			continue
		}
		if cur, ok := m.snapshots[id]; ok && cur.Version > op.snapshot.Version {
			continue
		}
		m.snapshots[id] = *cloneSnapshot(op.snapshot)
	}
	return nil
}

func cloneSnapshot(s es.Snapshot) *es.Snapshot {
	c := s
	c.Payload = append([]byte(nil), s.Payload...)
	return &c
}

// merge returns committed followed by pending, both already ordered.
func merge(committed []*es.Envelope, pending []es.Envelope) []*es.Envelope {
	out := make([]*es.Envelope, 0, len(committed)+len(pending))
	out = append(out, committed...)
	for i := range pending {
		out = append(out, &pending[i])
	}
	return out
}

// iterate yields clones of envs.
func iterate(envs []*es.Envelope) *es.Iterator[*es.Envelope] {
	index := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if index >= len(envs) {
			return nil, io.EOF
		}
		ev := envs[index].Clone()
		ev.Event = nil
		index++
		return ev, nil
	})
}

func readStream(envs []*es.Envelope, fromVersion uint64, limit int) []*es.Envelope {
	// versions are contiguous from 1, so the envelope at index i has version i+1
	start := int(min(fromVersion, uint64(len(envs))))
	out := envs[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
