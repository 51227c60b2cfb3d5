package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	es "github.com/terraskye/aggregatestore"
)

const envelopeColumns = "global_version, event_id::text, aggregate_id, version, event_type, payload, metadata::text, created_on"

type envelopeTable struct {
	store *Store
	tx    *pgTx // nil outside a transaction
	log   es.Log
}

func (e *envelopeTable) table() string {
	if e.log == es.NotificationLog {
		return "notification_events"
	}
	return "domain_events"
}

// lockKey names the advisory lock an append of id takes. Notification appends
// share one lock for the whole table: global_version is drawn from a sequence
// at insert time, and a relay tailing the log by position would skip an id
// that commits after a higher one.
func (e *envelopeTable) lockKey(id string) string {
	if e.log == es.NotificationLog {
		return e.table()
	}
	return e.table() + "/" + id
}

func (e *envelopeTable) querier() (querier, error) {
	if e.tx == nil {
		return e.store.pool, nil
	}
	if e.tx.done.Load() {
		return nil, es.ErrTxDone
	}
	return e.tx.tx, nil
}

func (e *envelopeTable) Append(ctx context.Context, expected es.StreamState, envelopes ...es.Envelope) (es.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, err
	}
	if len(envelopes) == 0 {
		return es.AppendResult{}, nil
	}

	if e.tx != nil {
		q, err := e.querier()
		if err != nil {
			return es.AppendResult{}, err
		}
		return e.append(ctx, q, expected, envelopes)
	}

	var result es.AppendResult
	err := e.store.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = e.append(ctx, tx, expected, envelopes)
		return err
	})
	return result, err
}

func (e *envelopeTable) append(ctx context.Context, q querier, expected es.StreamState, envelopes []es.Envelope) (es.AppendResult, error) {
	id := envelopes[0].AggregateID

	// Held until the surrounding transaction ends.
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, e.lockKey(id)); err != nil {
		return es.AppendResult{}, mapError("lock stream", err)
	}

	actual, err := streamVersion(ctx, q, e.table(), id)
	if err != nil {
		return es.AppendResult{}, err
	}
	if err := es.CheckRevision(e.log, id, expected, actual); err != nil {
		return es.AppendResult{}, err
	}
	if err := es.ValidateBatch(e.log, id, actual, envelopes); err != nil {
		return es.AppendResult{}, err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (event_id, aggregate_id, version, event_type, payload, metadata, created_on)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
RETURNING global_version`, e.table())

	var last int64
	for _, env := range envelopes {
		metadata, err := encodeMetadata(env.Metadata)
		if err != nil {
			return es.AppendResult{}, err
		}
		payload := env.Payload
		if payload == nil {
			payload = []byte{}
		}
		err = q.QueryRow(ctx, stmt,
			env.EventID,
			env.AggregateID,
			int64(env.Version),
			env.EventType,
			payload,
			metadata,
			env.CreatedOn.UTC(),
		).Scan(&last)
		if err != nil {
			return es.AppendResult{}, insertError(e.log, id, expected, actual, err)
		}
	}

	return es.AppendResult{
		AggregateID:         id,
		NextExpectedVersion: actual + uint64(len(envelopes)),
		LastGlobalVersion:   uint64(last),
	}, nil
}

func (e *envelopeTable) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) (*es.Iterator[*es.Envelope], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := e.querier()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE aggregate_id = $1 AND version > $2 ORDER BY version ASC", envelopeColumns, e.table())
	args := []any{aggregateID, int64(fromVersion)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	envs, err := queryEnvelopes(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	return es.NewSliceIterator(envs), nil
}

func (e *envelopeTable) Query(ctx context.Context, criteria es.Criteria) (*es.Iterator[*es.Envelope], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := e.querier()
	if err != nil {
		return nil, err
	}

	where, args := whereClause(criteria)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY global_version %s", envelopeColumns, e.table(), where, direction(criteria))
	if criteria.MaxCount > 0 && len(criteria.Predicates) == 0 {
		args = append(args, criteria.MaxCount)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	envs, err := queryEnvelopes(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	return criteria.LimitIterator(es.NewSliceIterator(envs)), nil
}

func (e *envelopeTable) Count(ctx context.Context, criteria es.Criteria) (uint64, error) {
	if len(criteria.Predicates) > 0 {
		it, err := e.Query(ctx, criteria)
		if err != nil {
			return 0, err
		}
		envs, err := it.All(ctx)
		return uint64(len(envs)), err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q, err := e.querier()
	if err != nil {
		return 0, err
	}

	where, args := whereClause(criteria)
	var n int64
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", e.table(), where), args...).Scan(&n); err != nil {
		return 0, mapError("count", err)
	}
	if criteria.MaxCount > 0 && n > int64(criteria.MaxCount) {
		n = int64(criteria.MaxCount)
	}
	return uint64(n), nil
}

func (e *envelopeTable) Version(ctx context.Context, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q, err := e.querier()
	if err != nil {
		return 0, err
	}
	return streamVersion(ctx, q, e.table(), aggregateID)
}

func streamVersion(ctx context.Context, q querier, table, aggregateID string) (uint64, error) {
	var v int64
	err := q.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_id = $1", table),
		aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, mapError("stream version", err)
	}
	return uint64(v), nil
}

// whereClause pushes the structured part of criteria down to SQL. Predicates
// are evaluated afterwards.
func whereClause(c es.Criteria) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if c.AggregateID != "" {
		conds = append(conds, "aggregate_id = "+arg(c.AggregateID))
	}
	if len(c.EventTypes) > 0 {
		conds = append(conds, "event_type = ANY("+arg(c.EventTypes)+")")
	}
	if c.FromVersion > 0 {
		conds = append(conds, "version > "+arg(int64(c.FromVersion)))
	}
	if c.ToVersion > 0 {
		conds = append(conds, "version <= "+arg(int64(c.ToVersion)))
	}
	if c.FromPosition > 0 {
		conds = append(conds, "global_version > "+arg(int64(c.FromPosition)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func direction(c es.Criteria) string {
	if c.Descending {
		return "DESC"
	}
	return "ASC"
}

func queryEnvelopes(ctx context.Context, q querier, query string, args ...any) ([]*es.Envelope, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query", err)
	}
	defer rows.Close()

	var out []*es.Envelope
	for rows.Next() {
		var (
			global   int64
			eventID  string
			version  int64
			metadata string
			created  time.Time
			env      es.Envelope
		)
		if err := rows.Scan(&global, &eventID, &env.AggregateID, &version,
			&env.EventType, &env.Payload, &metadata, &created); err != nil {
			return nil, mapError("scan", err)
		}
		if env.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
		}
		if env.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		env.GlobalVersion = uint64(global)
		env.Version = uint64(version)
		env.CreatedOn = created.UTC()
		out = append(out, &env)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("query", err)
	}
	return out, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", &es.SerializationError{EventType: "metadata", Err: err}
	}
	return string(data), nil
}

func decodeMetadata(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return nil, &es.SerializationError{EventType: "metadata", Err: err}
	}
	return md, nil
}
