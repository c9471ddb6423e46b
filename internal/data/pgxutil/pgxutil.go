// Package pgxutil bridges database/sql pools to pgx v5 helpers.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Query is a SQL statement with its positional arguments.
type Query struct {
	SQL  string
	Args []any
}

// WithPgxConn acquires a *pgx.Conn via the stdlib bridge and executes fn with it.
// Closing the *sql.Conn returns it to the pool; the shared *sql.DB stays open.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type: %T", dc)
		}
		return fn(std.Conn())
	})
}

// CollectAll runs q and maps every row onto T by column name.
func CollectAll[T any](ctx context.Context, db *sql.DB, q Query) ([]T, error) {
	var out []T
	err := WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToStructByName[T])
		return err
	})
	return out, err
}

// CollectOne runs q and maps the single result row onto T.
// It returns (nil, nil) when the query yields no rows.
func CollectOne[T any](ctx context.Context, db *sql.DB, q Query) (*T, error) {
	var out *T
	err := WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, q.SQL, q.Args...)
		if err != nil {
			return err
		}
		row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[T])
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &row
		return nil
	})
	return out, err
}
