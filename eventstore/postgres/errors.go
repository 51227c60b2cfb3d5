package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	es "github.com/terraskye/aggregatestore"
)

// mapError classifies driver errors. Serialization failures, deadlocks, lock
// timeouts and broken connections are transient.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return es.ErrTxDone
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03":
			return &es.StoreError{Op: op, Err: err}
		}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return &es.StoreError{Op: op, Err: err}
	}
	return es.WrapStoreError(op, err)
}

// insertError turns a unique violation on the stream version into a conflict.
func insertError(log es.Log, aggregateID string, expected es.StreamState, actual uint64, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return mapError("append", err)
	}
	if strings.Contains(pgErr.ConstraintName, "event_id") {
		return fmt.Errorf("%w: duplicate event id", es.ErrInvalidEventBatch)
	}
	return &es.ConcurrencyConflictError{
		Log:         log,
		AggregateID: aggregateID,
		Expected:    expected,
		Actual:      actual,
	}
}
