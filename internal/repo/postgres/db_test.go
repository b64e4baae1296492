package postgres

import (
	"context"
	"database/sql"
	"errors"
)

// nilDB fails every call; it is only used where validation must reject the
// input before any query runs.
type nilDB struct{}

var errUnexpectedQuery = errors.New("unexpected query")

func (nilDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errUnexpectedQuery
}

func (nilDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errUnexpectedQuery
}

func (nilDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}
