package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	es "github.com/terraskye/aggregatestore"
)

type snapshotTable struct {
	store *Store
	tx    *pgTx
}

func (s *snapshotTable) querier() (querier, error) {
	if s.tx == nil {
		return s.store.pool, nil
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

	var (
		version int64
		payload []byte
		created time.Time
	)
	err = q.QueryRow(ctx,
		`SELECT version, payload, created_on FROM snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version, &payload, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("snapshot latest", err)
	}
	return &es.Snapshot{
		AggregateID: aggregateID,
		Version:     uint64(version),
		Payload:     payload,
		CreatedOn:   created.UTC(),
	}, nil
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
	_, err = q.Exec(ctx, `
INSERT INTO snapshots (aggregate_id, version, payload, created_on)
VALUES ($1, $2, $3, $4)
ON CONFLICT (aggregate_id) DO UPDATE SET
	version = EXCLUDED.version,
	payload = EXCLUDED.payload,
	created_on = EXCLUDED.created_on
WHERE snapshots.version <= EXCLUDED.version
`,
		snapshot.AggregateID,
		int64(snapshot.Version),
		payload,
		snapshot.CreatedOn.UTC(),
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
	_, err = q.Exec(ctx, `DELETE FROM snapshots WHERE aggregate_id = $1`, aggregateID)
	return mapError("snapshot delete", err)
}
