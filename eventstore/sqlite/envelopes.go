package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
)

const envelopeColumns = "global_version, event_id, aggregate_id, version, event_type, payload, metadata, created_on"

type envelopeTable struct {
	store *Store
	tx    *sqlTx // nil outside a transaction
	log   es.Log
}

func (e *envelopeTable) table() string {
	if e.log == es.NotificationLog {
		return "notification_events"
	}
	return "domain_events"
}

func (e *envelopeTable) querier() (querier, error) {
	if e.tx == nil {
		return e.store.db, nil
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
	err := e.store.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = e.append(ctx, tx, expected, envelopes)
		return err
	})
	return result, err
}

func (e *envelopeTable) append(ctx context.Context, q querier, expected es.StreamState, envelopes []es.Envelope) (es.AppendResult, error) {
	id := envelopes[0].AggregateID
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
VALUES (?, ?, ?, ?, ?, ?, ?)`, e.table())

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
		res, err := q.ExecContext(ctx, stmt,
			env.EventID.String(),
			env.AggregateID,
			int64(env.Version),
			env.EventType,
			payload,
			metadata,
			env.CreatedOn.UTC().UnixMicro(),
		)
		if err != nil {
			return es.AppendResult{}, insertError(e.log, id, expected, actual, err)
		}
		if last, err = res.LastInsertId(); err != nil {
			return es.AppendResult{}, mapError("append", err)
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

	query := fmt.Sprintf("SELECT %s FROM %s WHERE aggregate_id = ? AND version > ? ORDER BY version ASC", envelopeColumns, e.table())
	args := []any{aggregateID, int64(fromVersion)}
	if limit > 0 {
		query += " LIMIT ?"
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
		query += " LIMIT ?"
		args = append(args, criteria.MaxCount)
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
	var n uint64
	err = q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", e.table(), where), args...).Scan(&n)
	if err != nil {
		return 0, mapError("count", err)
	}
	if criteria.MaxCount > 0 && n > uint64(criteria.MaxCount) {
		n = uint64(criteria.MaxCount)
	}
	return n, nil
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
	var v uint64
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_id = ?", table),
		aggregateID,
	).Scan(&v)
	if err != nil {
		return 0, mapError("stream version", err)
	}
	return v, nil
}

// whereClause pushes the structured part of criteria down to SQL. Predicates
// are evaluated afterwards.
func whereClause(c es.Criteria) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if c.AggregateID != "" {
		conds = append(conds, "aggregate_id = ?")
		args = append(args, c.AggregateID)
	}
	if len(c.EventTypes) > 0 {
		conds = append(conds, "event_type IN (?"+strings.Repeat(", ?", len(c.EventTypes)-1)+")")
		for _, t := range c.EventTypes {
			args = append(args, t)
		}
	}
	if c.FromVersion > 0 {
		conds = append(conds, "version > ?")
		args = append(args, int64(c.FromVersion))
	}
	if c.ToVersion > 0 {
		conds = append(conds, "version <= ?")
		args = append(args, int64(c.ToVersion))
	}
	if c.FromPosition > 0 {
		conds = append(conds, "global_version > ?")
		args = append(args, int64(c.FromPosition))
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
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query", err)
	}
	defer rows.Close()

	var out []*es.Envelope
	for rows.Next() {
		var (
			env      es.Envelope
			eventID  string
			metadata string
			created  int64
		)
		if err := rows.Scan(&env.GlobalVersion, &eventID, &env.AggregateID, &env.Version,
			&env.EventType, &env.Payload, &metadata, &created); err != nil {
			return nil, mapError("scan", err)
		}
		if env.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
		}
		if env.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		env.CreatedOn = time.UnixMicro(created).UTC()
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
