package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrNoKey is returned by Upsert when the row lacks its primary key.
var ErrNoKey = errors.New("store: row has no primary key value")

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Builder accumulates the clauses of one statement. Every terminal method
// (Get, GetOne, Exists, Count, Insert, InsertMany, Update, Upsert, Delete)
// takes the accumulated query and resets the builder before executing, so
// a builder can be reused for the next statement without carrying clauses
// over. A Builder must not be shared between goroutines.
type Builder struct {
	db *DB
	tx *sql.Tx
	q  query
}

// Table sets the table the statement targets.
func (b *Builder) Table(name string) *Builder {
	if b.q.ident(name) {
		b.q.table = name
	}
	return b
}

// As aliases the table in SELECT statements.
func (b *Builder) As(alias string) *Builder {
	if b.q.ident(alias) {
		b.q.alias = alias
	}
	return b
}

// Columns restricts the projection of Get and GetOne.
func (b *Builder) Columns(cols ...string) *Builder {
	for _, c := range cols {
		if b.q.ident(c) {
			b.q.columns = append(b.q.columns, c)
		}
	}
	return b
}

// Where adds "column op ?" to the conjunction of conditions. A nil value
// with = or != compares against NULL.
func (b *Builder) Where(column, op string, value any) *Builder {
	op = strings.ToUpper(strings.TrimSpace(op))
	if _, ok := operators[op]; !ok {
		b.q.fail(fmt.Errorf("%w: %q", ErrBadOperator, op))
		return b
	}
	if b.q.ident(column) {
		b.q.where = append(b.q.where, condition{kind: condCompare, column: column, op: op, value: value})
	}
	return b
}

// WhereIn adds "column IN (...)".
func (b *Builder) WhereIn(column string, values ...any) *Builder {
	if b.q.ident(column) {
		b.q.where = append(b.q.where, condition{kind: condIn, column: column, values: values})
	}
	return b
}

// WhereNotIn adds "column NOT IN (...)".
func (b *Builder) WhereNotIn(column string, values ...any) *Builder {
	if b.q.ident(column) {
		b.q.where = append(b.q.where, condition{kind: condNotIn, column: column, values: values})
	}
	return b
}

// OrderBy appends an ordering term. dir is "ASC" or "DESC".
func (b *Builder) OrderBy(column, dir string) *Builder {
	var desc bool
	switch strings.ToUpper(dir) {
	case "", "ASC":
	case "DESC":
		desc = true
	default:
		b.q.fail(fmt.Errorf("%w: order direction %q", ErrBadOperator, dir))
		return b
	}
	if b.q.ident(column) {
		b.q.orders = append(b.q.orders, ordering{column: column, desc: desc})
	}
	return b
}

// Limit caps the number of returned rows. Non-positive values clear it.
func (b *Builder) Limit(n int) *Builder {
	b.q.limit = max(n, 0)
	return b
}

// Offset skips rows.
func (b *Builder) Offset(n int) *Builder {
	b.q.offset = max(n, 0)
	return b
}

// GroupBy sets the GROUP BY columns.
func (b *Builder) GroupBy(cols ...string) *Builder {
	for _, c := range cols {
		if b.q.ident(c) {
			b.q.groupBy = append(b.q.groupBy, c)
		}
	}
	return b
}

// Key names the primary key column used by Upsert. Defaults to "id".
func (b *Builder) Key(column string) *Builder {
	if b.q.ident(column) {
		b.q.key = column
	}
	return b
}

// AllRows allows Update and Delete to run without a where clause.
func (b *Builder) AllRows() *Builder {
	b.q.unbounded = true
	return b
}

// take hands the accumulated query to a terminal and clears the builder.
func (b *Builder) take() query {
	q := b.q
	b.q = query{}
	return q
}

func (b *Builder) exec() executor {
	if b.tx != nil {
		return b.tx
	}
	return b.db.DB
}

// lockWrites enters the write queue unless the builder runs inside a
// transaction that already holds it.
func (b *Builder) lockWrites() func() {
	if b.tx != nil {
		return func() {}
	}
	b.db.writeMu.Lock()
	return b.db.writeMu.Unlock
}

// Get runs a SELECT and returns every matching row.
func (b *Builder) Get(ctx context.Context) ([]Row, error) {
	q := b.take()
	if err := q.check(); err != nil {
		return nil, err
	}
	return b.get(ctx, q)
}

// GetOne returns the first matching row, or nil when nothing matches.
func (b *Builder) GetOne(ctx context.Context) (Row, error) {
	q := b.take()
	if err := q.check(); err != nil {
		return nil, err
	}
	q.limit = 1
	rows, err := b.get(ctx, q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Exists reports whether any row matches.
func (b *Builder) Exists(ctx context.Context) (bool, error) {
	q := b.take()
	if err := q.check(); err != nil {
		return false, err
	}
	return b.exists(ctx, q)
}

// Count returns the number of matching rows.
func (b *Builder) Count(ctx context.Context) (int64, error) {
	q := b.take()
	if err := q.check(); err != nil {
		return 0, err
	}
	q.orders, q.limit, q.offset = nil, 0, 0
	stmt, args, err := q.selectSQL("COUNT(*) AS n")
	if err != nil {
		return 0, err
	}
	rows, err := b.query(ctx, stmt, args)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return rows[0].Int64("n"), nil
}

// Insert adds one row.
func (b *Builder) Insert(ctx context.Context, row Row) error {
	q := b.take()
	if err := q.check(); err != nil {
		return err
	}
	unlock := b.lockWrites()
	defer unlock()
	return b.insert(ctx, q, row)
}

// InsertMany adds rows atomically.
func (b *Builder) InsertMany(ctx context.Context, rows []Row) error {
	q := b.take()
	if err := q.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if b.tx != nil {
		for _, r := range rows {
			if err := b.insert(ctx, q, r); err != nil {
				return err
			}
		}
		return nil
	}
	return b.db.InTx(ctx, func(tx *Tx) error {
		inner := tx.Query()
		for _, r := range rows {
			if err := inner.insert(ctx, q, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update sets the row's columns on every matching row and returns the
// number of rows changed.
func (b *Builder) Update(ctx context.Context, row Row) (int64, error) {
	q := b.take()
	if err := q.check(); err != nil {
		return 0, err
	}
	unlock := b.lockWrites()
	defer unlock()
	return b.update(ctx, q, row)
}

// Upsert updates the row whose primary key matches row's key value, or
// inserts row when no such row exists.
func (b *Builder) Upsert(ctx context.Context, row Row) error {
	q := b.take()
	if err := q.check(); err != nil {
		return err
	}
	key := q.primaryKey()
	id, ok := row[key]
	if !ok || id == nil {
		return fmt.Errorf("%w: %s.%s", ErrNoKey, q.table, key)
	}

	unlock := b.lockWrites()
	defer unlock()

	lookup := query{table: q.table, where: []condition{{kind: condCompare, column: key, op: "=", value: id}}}
	found, err := b.exists(ctx, lookup)
	if err != nil {
		return err
	}
	if !found {
		return b.insert(ctx, q, row)
	}

	payload := maps.Clone(row)
	delete(payload, key)
	if len(payload) == 0 {
		return nil
	}
	_, err = b.update(ctx, lookup, payload)
	return err
}

// Delete removes matching rows and returns how many were removed.
func (b *Builder) Delete(ctx context.Context) (int64, error) {
	q := b.take()
	if err := q.check(); err != nil {
		return 0, err
	}
	if len(q.where) == 0 && !q.unbounded {
		return 0, ErrUnboundedWrite
	}
	where, args, err := q.whereSQL()
	if err != nil {
		return 0, err
	}

	unlock := b.lockWrites()
	defer unlock()
	res, err := b.exec().ExecContext(ctx, "DELETE FROM "+q.table+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", q.table, err)
	}
	return res.RowsAffected()
}

func (b *Builder) get(ctx context.Context, q query) ([]Row, error) {
	stmt, args, err := q.selectSQL(q.projection())
	if err != nil {
		return nil, err
	}
	return b.query(ctx, stmt, args)
}

func (b *Builder) exists(ctx context.Context, q query) (bool, error) {
	q.orders, q.offset, q.limit = nil, 0, 1
	stmt, args, err := q.selectSQL("1")
	if err != nil {
		return false, err
	}
	rows, err := b.query(ctx, stmt, args)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (b *Builder) query(ctx context.Context, stmt string, args []any) ([]Row, error) {
	rows, err := b.exec().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func (b *Builder) insert(ctx context.Context, q query, row Row) error {
	cols, args, err := bindRow(&q, row)
	if err != nil {
		return err
	}
	stmt := "INSERT INTO " + q.table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
	if _, err := b.exec().ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", q.table, err)
	}
	return nil
}

func (b *Builder) update(ctx context.Context, q query, row Row) (int64, error) {
	if len(q.where) == 0 && !q.unbounded {
		return 0, ErrUnboundedWrite
	}
	cols, args, err := bindRow(&q, row)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	where, whereArgs, err := q.whereSQL()
	if err != nil {
		return 0, err
	}
	stmt := "UPDATE " + q.table + " SET " + strings.Join(sets, ", ") + where
	res, err := b.exec().ExecContext(ctx, stmt, append(args, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", q.table, err)
	}
	return res.RowsAffected()
}

// bindRow returns the row's columns in a stable order with their
// normalized values.
func bindRow(q *query, row Row) ([]string, []any, error) {
	if len(row) == 0 {
		return nil, nil, ErrEmptyRow
	}
	cols := slices.Sorted(maps.Keys(row))
	args := make([]any, len(cols))
	for i, c := range cols {
		if !q.ident(c) {
			return nil, nil, q.err
		}
		v, err := normalize(row[c])
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", c, err)
		}
		args[i] = v
	}
	return cols, args, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if bs, ok := vals[i].([]byte); ok {
				r[c] = string(bs)
				continue
			}
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
