package memory

import (
	"context"
	"sync"

	es "github.com/terraskye/aggregatestore"
)

type batch struct {
	log         es.Log
	aggregateID string
	envelopes   []es.Envelope
	lastGlobal  uint64
}

type snapshotOp struct {
	snapshot es.Snapshot
	delete   bool
}

// memoryTx buffers appends and snapshot writes until Commit.
type memoryTx struct {
	store *MemoryStore

	mu            sync.Mutex
	done          bool
	batches       []*batch
	snapshots     map[string]*snapshotOp
	snapshotOrder []string
}

var _ es.Transaction = (*memoryTx)(nil)

func newTx(store *MemoryStore) *memoryTx {
	return &memoryTx{
		store:     store,
		snapshots: make(map[string]*snapshotOp),
	}
}

func (t *memoryTx) Events() es.EnvelopeStore {
	return &txLog{tx: t, log: es.DomainLog}
}

func (t *memoryTx) Notifications() es.EnvelopeStore {
	return &txLog{tx: t, log: es.NotificationLog}
}

func (t *memoryTx) Snapshots() es.SnapshotStore {
	return &txSnapshots{tx: t}
}

func (t *memoryTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return es.ErrTxDone
	}
	t.done = true
	return t.store.apply(t)
}

func (t *memoryTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return es.ErrTxDone
	}
	t.done = true
	t.batches = nil
	t.snapshots = nil
	return nil
}

// pending returns the buffered envelopes of one stream, in version order.
func (t *memoryTx) pending(log es.Log, aggregateID string) []es.Envelope {
	var out []es.Envelope
	for _, b := range t.batches {
		if b.log == log && b.aggregateID == aggregateID {
			out = append(out, b.envelopes...)
		}
	}
	return out
}

func (t *memoryTx) pendingAll(log es.Log) []es.Envelope {
	var out []es.Envelope
	for _, b := range t.batches {
		if b.log == log {
			out = append(out, b.envelopes...)
		}
	}
	return out
}

func (t *memoryTx) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.done {
		return es.ErrTxDone
	}
	return nil
}

type txLog struct {
	tx  *memoryTx
	log es.Log
}

func (l *txLog) Append(ctx context.Context, expected es.StreamState, envelopes ...es.Envelope) (es.AppendResult, error) {
	l.tx.mu.Lock()
	defer l.tx.mu.Unlock()

	if err := l.tx.check(ctx); err != nil {
		return es.AppendResult{}, err
	}
	if len(envelopes) == 0 {
		return es.AppendResult{}, nil
	}

	id := envelopes[0].AggregateID
	committed, err := l.tx.store.committed(l.log, id)
	if err != nil {
		return es.AppendResult{}, err
	}
	actual := uint64(len(committed) + len(l.tx.pending(l.log, id)))

	if err := es.CheckRevision(l.log, id, expected, actual); err != nil {
		return es.AppendResult{}, err
	}
	if err := es.ValidateBatch(l.log, id, actual, envelopes); err != nil {
		return es.AppendResult{}, err
	}

	b := &batch{log: l.log, aggregateID: id, envelopes: make([]es.Envelope, len(envelopes))}
	for i := range envelopes {
		b.envelopes[i] = *envelopes[i].Clone()
		b.envelopes[i].Event = nil
	}
	l.tx.batches = append(l.tx.batches, b)

	return es.AppendResult{
		AggregateID:         id,
		NextExpectedVersion: actual + uint64(len(envelopes)),
	}, nil
}

func (l *txLog) stream(ctx context.Context, aggregateID string) ([]*es.Envelope, error) {
	l.tx.mu.Lock()
	defer l.tx.mu.Unlock()

	if err := l.tx.check(ctx); err != nil {
		return nil, err
	}
	committed, err := l.tx.store.committed(l.log, aggregateID)
	if err != nil {
		return nil, err
	}
	return merge(committed, l.tx.pending(l.log, aggregateID)), nil
}

func (l *txLog) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) (*es.Iterator[*es.Envelope], error) {
	envs, err := l.stream(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	return iterate(readStream(envs, fromVersion, limit)), nil
}

func (l *txLog) selection(ctx context.Context, criteria es.Criteria) ([]*es.Envelope, error) {
	var all []*es.Envelope
	if criteria.AggregateID != "" {
		envs, err := l.stream(ctx, criteria.AggregateID)
		if err != nil {
			return nil, err
		}
		all = envs
	} else {
		l.tx.mu.Lock()
		defer l.tx.mu.Unlock()
		if err := l.tx.check(ctx); err != nil {
			return nil, err
		}
		committed, err := l.tx.store.committedAll(l.log)
		if err != nil {
			return nil, err
		}
		all = merge(committed, l.tx.pendingAll(l.log))
	}
	return criteria.Apply(all), nil
}

func (l *txLog) Query(ctx context.Context, criteria es.Criteria) (*es.Iterator[*es.Envelope], error) {
	envs, err := l.selection(ctx, criteria)
	if err != nil {
		return nil, err
	}
	return iterate(envs), nil
}

func (l *txLog) Count(ctx context.Context, criteria es.Criteria) (uint64, error) {
	envs, err := l.selection(ctx, criteria)
	if err != nil {
		return 0, err
	}
	return uint64(len(envs)), nil
}

func (l *txLog) Version(ctx context.Context, aggregateID string) (uint64, error) {
	envs, err := l.stream(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	return uint64(len(envs)), nil
}

type txSnapshots struct {
	tx *memoryTx
}

func (s *txSnapshots) Latest(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	if err := s.tx.check(ctx); err != nil {
		return nil, err
	}
	committed, err := s.tx.store.latestSnapshot(aggregateID)
	if err != nil {
		return nil, err
	}
	op, ok := s.tx.snapshots[aggregateID]
	switch {
	case !ok:
		return committed, nil
	case op.delete:
		return nil, nil
	case committed != nil && committed.Version > op.snapshot.Version:
		return committed, nil
	default:
		return cloneSnapshot(op.snapshot), nil
	}
}

func (s *txSnapshots) record(aggregateID string, op *snapshotOp) {
	if _, ok := s.tx.snapshots[aggregateID]; !ok {
		s.tx.snapshotOrder = append(s.tx.snapshotOrder, aggregateID)
	}
	s.tx.snapshots[aggregateID] = op
}

func (s *txSnapshots) Save(ctx context.Context, snapshot es.Snapshot) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	if err := s.tx.check(ctx); err != nil {
		return err
	}
	if prev, ok := s.tx.snapshots[snapshot.AggregateID]; ok && !prev.delete && prev.snapshot.Version > snapshot.Version {
		return nil
	}
	s.record(snapshot.AggregateID, &snapshotOp{snapshot: *cloneSnapshot(snapshot)})
	return nil
}

func (s *txSnapshots) Delete(ctx context.Context, aggregateID string) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	if err := s.tx.check(ctx); err != nil {
		return err
	}
	s.record(aggregateID, &snapshotOp{delete: true})
	return nil
}

// autoCommitLog runs every write in its own transaction.
type autoCommitLog struct {
	store *MemoryStore
	log   es.Log
}

func (a *autoCommitLog) view() *txLog {
	return &txLog{tx: newTx(a.store), log: a.log}
}

func (a *autoCommitLog) Append(ctx context.Context, expected es.StreamState, envelopes ...es.Envelope) (es.AppendResult, error) {
	t := newTx(a.store)
	result, err := (&txLog{tx: t, log: a.log}).Append(ctx, expected, envelopes...)
	if err != nil {
		return es.AppendResult{}, err
	}
	if err := t.Commit(); err != nil {
		return es.AppendResult{}, err
	}
	if n := len(t.batches); n > 0 {
		result.LastGlobalVersion = t.batches[n-1].lastGlobal
	}
	return result, nil
}

func (a *autoCommitLog) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) (*es.Iterator[*es.Envelope], error) {
	return a.view().ReadStream(ctx, aggregateID, fromVersion, limit)
}

func (a *autoCommitLog) Query(ctx context.Context, criteria es.Criteria) (*es.Iterator[*es.Envelope], error) {
	return a.view().Query(ctx, criteria)
}

func (a *autoCommitLog) Count(ctx context.Context, criteria es.Criteria) (uint64, error) {
	return a.view().Count(ctx, criteria)
}

func (a *autoCommitLog) Version(ctx context.Context, aggregateID string) (uint64, error) {
	return a.view().Version(ctx, aggregateID)
}

type autoCommitSnapshots struct {
	store *MemoryStore
}

func (a *autoCommitSnapshots) Latest(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.store.latestSnapshot(aggregateID)
}

func (a *autoCommitSnapshots) Save(ctx context.Context, snapshot es.Snapshot) error {
	t := newTx(a.store)
	if err := t.Snapshots().Save(ctx, snapshot); err != nil {
		return err
	}
	return t.Commit()
}

func (a *autoCommitSnapshots) Delete(ctx context.Context, aggregateID string) error {
	t := newTx(a.store)
	if err := t.Snapshots().Delete(ctx, aggregateID); err != nil {
		return err
	}
	return t.Commit()
}
