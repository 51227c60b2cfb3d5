package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	es "github.com/terraskye/aggregatestore"
)

type snapshotTable struct {
	store *Store
	tx    *sqlTx
}

func (s *snapshotTable) querier() (querier, error) {
	if s.tx == nil {
		return s.store.db, nil
	}
	if s.tx.done.Load() {
		return nil, es.ErrTxDone
	}
	return s.tx.tx, nil
}

func (s *snapshotTable) Latest(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := s.querier()
	if err != nil {
		return nil, err
	}

	snap := es.Snapshot{AggregateID: aggregateID}
	var created int64
	err = q.QueryRowContext(ctx,
		`SELECT version, payload, created_on FROM snapshots WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&snap.Version, &snap.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("snapshot latest", err)
	}
	snap.CreatedOn = time.UnixMicro(created).UTC()
	return &snap, nil
}

// Save upserts the snapshot unless a newer one is already stored.
func (s *snapshotTable) Save(ctx context.Context, snapshot es.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := s.querier()
	if err != nil {
		return err
	}

	payload := snapshot.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO snapshots (aggregate_id, version, payload, created_on)
VALUES (?, ?, ?, ?)
ON CONFLICT (aggregate_id) DO UPDATE SET
	version = excluded.version,
	payload = excluded.payload,
	created_on = excluded.created_on
WHERE excluded.version >= snapshots.version
`,
		snapshot.AggregateID,
		int64(snapshot.Version),
		payload,
		snapshot.CreatedOn.UTC().UnixMicro(),
	)
	return mapError("snapshot save", err)
}

func (s *snapshotTable) Delete(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := s.querier()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID)
	return mapError("snapshot delete", err)
}
