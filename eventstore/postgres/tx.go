package postgres

import (
	"context"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	es "github.com/terraskye/aggregatestore"
)

type pgTx struct {
	store *Store
	tx    pgx.Tx
	ctx   context.Context
	done  atomic.Bool
}

var _ es.Transaction = (*pgTx)(nil)

func (t *pgTx) Events() es.EnvelopeStore {
	return &envelopeTable{store: t.store, tx: t, log: es.DomainLog}
}

func (t *pgTx) Notifications() es.EnvelopeStore {
	return &envelopeTable{store: t.store, tx: t, log: es.NotificationLog}
}

func (t *pgTx) Snapshots() es.SnapshotStore {
	return &snapshotTable{store: t.store, tx: t}
}

func (t *pgTx) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return es.ErrTxDone
	}
	return mapError("commit", t.tx.Commit(t.ctx))
}

func (t *pgTx) Rollback() error {
	if !t.done.CompareAndSwap(false, true) {
		return es.ErrTxDone
	}
	return mapError("rollback", t.tx.Rollback(context.WithoutCancel(t.ctx)))
}
