package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/aggregatestore"
)

// StorageSpy wraps a Storage, tracks calls and injects failures.
type StorageSpy struct {
	inner es.Storage

	mu sync.Mutex

	// Function overrides for custom behavior
	ReadStreamFn func(ctx context.Context, id string, fromVersion uint64, limit int) (*es.Iterator[*es.Envelope], error)
	LatestFn     func(ctx context.Context, id string) (*es.Snapshot, error)

	// Call tracking
	BeginCalls    int
	CommitCalls   int
	RollbackCalls int
	AppendCalls   map[es.Log]int
	SaveCalls     int

	// Error injection
	beginErr  error
	commitErr error
	appendErr map[es.Log]error
	saveErr   error
	readErr   error
}

var _ es.Storage = (*StorageSpy)(nil)

// NewStorageSpy wraps inner.
func NewStorageSpy(inner es.Storage) *StorageSpy {
	return &StorageSpy{
		inner:       inner,
		AppendCalls: make(map[es.Log]int),
		appendErr:   make(map[es.Log]error),
	}
}

// FailOnBegin makes Begin return err.
func (s *StorageSpy) FailOnBegin(err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginErr = err
	return s
}

// FailOnCommit makes every transaction commit fail with err after rolling
// back.
func (s *StorageSpy) FailOnCommit(err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
	return s
}

// FailOnAppend makes appends to log fail with err.
func (s *StorageSpy) FailOnAppend(log es.Log, err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr[log] = err
	return s
}

// FailOnSnapshotSave makes snapshot saves fail with err.
func (s *StorageSpy) FailOnSnapshotSave(err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
	return s
}

// FailOnRead makes ReadStream fail with err.
func (s *StorageSpy) FailOnRead(err error) *StorageSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	return s
}

// Reset clears call counts and injected failures.
func (s *StorageSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BeginCalls, s.CommitCalls, s.RollbackCalls, s.SaveCalls = 0, 0, 0, 0
	s.AppendCalls = make(map[es.Log]int)
	s.appendErr = make(map[es.Log]error)
	s.beginErr, s.commitErr, s.saveErr, s.readErr = nil, nil, nil, nil
}

// Appends returns how many Append calls were made on log.
func (s *StorageSpy) Appends(log es.Log) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AppendCalls[log]
}

func (s *StorageSpy) Events() es.EnvelopeStore {
	return &envelopeStoreSpy{spy: s, log: es.DomainLog, inner: s.inner.Events()}
}

func (s *StorageSpy) Notifications() es.EnvelopeStore {
	return &envelopeStoreSpy{spy: s, log: es.NotificationLog, inner: s.inner.Notifications()}
}

func (s *StorageSpy) Snapshots() es.SnapshotStore {
	return &snapshotStoreSpy{spy: s, inner: s.inner.Snapshots()}
}

func (s *StorageSpy) Begin(ctx context.Context) (es.Transaction, error) {
	s.mu.Lock()
	s.BeginCalls++
	err := s.beginErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &txSpy{spy: s, inner: tx}, nil
}

func (s *StorageSpy) Close() error {
	return s.inner.Close()
}

type txSpy struct {
	spy   *StorageSpy
	inner es.Transaction
}

func (t *txSpy) Events() es.EnvelopeStore {
	return &envelopeStoreSpy{spy: t.spy, log: es.DomainLog, inner: t.inner.Events()}
}

func (t *txSpy) Notifications() es.EnvelopeStore {
	return &envelopeStoreSpy{spy: t.spy, log: es.NotificationLog, inner: t.inner.Notifications()}
}

func (t *txSpy) Snapshots() es.SnapshotStore {
	return &snapshotStoreSpy{spy: t.spy, inner: t.inner.Snapshots()}
}

func (t *txSpy) Commit() error {
	t.spy.mu.Lock()
	t.spy.CommitCalls++
	err := t.spy.commitErr
	t.spy.mu.Unlock()
	if err != nil {
		_ = t.inner.Rollback()
		return err
	}
	return t.inner.Commit()
}

func (t *txSpy) Rollback() error {
	t.spy.mu.Lock()
	t.spy.RollbackCalls++
	t.spy.mu.Unlock()
	return t.inner.Rollback()
}

type envelopeStoreSpy struct {
	spy   *StorageSpy
	log   es.Log
	inner es.EnvelopeStore
}

func (e *envelopeStoreSpy) Append(ctx context.Context, expected es.StreamState, envelopes ...es.Envelope) (es.AppendResult, error) {
	e.spy.mu.Lock()
	e.spy.AppendCalls[e.log]++
	err := e.spy.appendErr[e.log]
	e.spy.mu.Unlock()
	if err != nil {
		return es.AppendResult{}, err
	}
	return e.inner.Append(ctx, expected, envelopes...)
}

func (e *envelopeStoreSpy) ReadStream(ctx context.Context, id string, fromVersion uint64, limit int) (*es.Iterator[*es.Envelope], error) {
	e.spy.mu.Lock()
	fn, err := e.spy.ReadStreamFn, e.spy.readErr
	e.spy.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil && e.log == es.DomainLog {
		return fn(ctx, id, fromVersion, limit)
	}
	return e.inner.ReadStream(ctx, id, fromVersion, limit)
}

func (e *envelopeStoreSpy) Query(ctx context.Context, criteria es.Criteria) (*es.Iterator[*es.Envelope], error) {
	return e.inner.Query(ctx, criteria)
}

func (e *envelopeStoreSpy) Count(ctx context.Context, criteria es.Criteria) (uint64, error) {
	return e.inner.Count(ctx, criteria)
}

func (e *envelopeStoreSpy) Version(ctx context.Context, id string) (uint64, error) {
	return e.inner.Version(ctx, id)
}

type snapshotStoreSpy struct {
	spy   *StorageSpy
	inner es.SnapshotStore
}

func (s *snapshotStoreSpy) Latest(ctx context.Context, id string) (*es.Snapshot, error) {
	s.spy.mu.Lock()
	fn := s.spy.LatestFn
	s.spy.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return s.inner.Latest(ctx, id)
}

func (s *snapshotStoreSpy) Save(ctx context.Context, snapshot es.Snapshot) error {
	s.spy.mu.Lock()
	s.spy.SaveCalls++
	err := s.spy.saveErr
	s.spy.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, snapshot)
}

func (s *snapshotStoreSpy) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}
