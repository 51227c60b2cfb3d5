package sqlite

import (
	"database/sql"
	"sync/atomic"

	es "github.com/terraskye/aggregatestore"
)

type sqlTx struct {
	store *Store
	tx    *sql.Tx
	done  atomic.Bool
}

var _ es.Transaction = (*sqlTx)(nil)

func (t *sqlTx) Events() es.EnvelopeStore {
	return &envelopeTable{store: t.store, tx: t, log: es.DomainLog}
}

func (t *sqlTx) Notifications() es.EnvelopeStore {
	return &envelopeTable{store: t.store, tx: t, log: es.NotificationLog}
}

func (t *sqlTx) Snapshots() es.SnapshotStore {
	return &snapshotTable{store: t.store, tx: t}
}

func (t *sqlTx) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return es.ErrTxDone
	}
	return mapError("commit", t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	if !t.done.CompareAndSwap(false, true) {
		return es.ErrTxDone
	}
	return mapError("rollback", t.tx.Rollback())
}
