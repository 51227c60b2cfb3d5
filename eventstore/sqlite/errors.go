package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	es "github.com/terraskye/aggregatestore"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// mapError classifies driver errors. Busy and locked databases are transient.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrTxDone) {
		return es.ErrTxDone
	}
	var serr *moderncsqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &es.StoreError{Op: op, Err: err}
		}
	}
	return es.WrapStoreError(op, err)
}

func isUniqueViolation(err error) bool {
	var serr *moderncsqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// insertError turns a failed insert into a conflict when another writer took
// the same version first.
func insertError(log es.Log, aggregateID string, expected es.StreamState, actual uint64, err error) error {
	if !isUniqueViolation(err) {
		return mapError("append", err)
	}
	if strings.Contains(err.Error(), "event_id") {
		return fmt.Errorf("%w: duplicate event id", es.ErrInvalidEventBatch)
	}
	return &es.ConcurrencyConflictError{
		Log:         log,
		AggregateID: aggregateID,
		Expected:    expected,
		Actual:      actual,
	}
}
