// Package postgres implements the relational CRUD executor on database/sql.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/rowcodec"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
)

// Store executes table operations against PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the health monitor and workflows.
func (s *Store) DB() *sql.DB { return s.db }

func columnList(table *schema.Table) string {
	return strings.Join(table.Columns, ", ")
}

// List runs the translated predicate as parameterized SQL.
func (s *Store) List(ctx context.Context, q query.Query) ([]schema.Row, error) {
	where, args := q.WhereClause(1)
	stmt := fmt.Sprintf("SELECT %s FROM %s%s%s", columnList(q.Table), q.Table.Name, where, q.PageClause())

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Table.Name, err)
	}
	defer rows.Close()

	raw, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Table.Name, err)
	}
	out := make([]schema.Row, 0, len(raw))
	for _, row := range raw {
		out = append(out, rowcodec.Decode(q.Table, row, rowcodec.DecodeOptions{}))
	}
	return out, nil
}

// Count returns the number of rows matching q's filters.
func (s *Store) Count(ctx context.Context, q query.Query) (int, error) {
	where, args := q.WhereClause(1)
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.Table.Name, where)
	var n int
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Table.Name, err)
	}
	return n, nil
}

// Insert writes each pre-normalized row. JSON-shaped columns are serialized
// to text at this boundary.
func (s *Store) Insert(ctx context.Context, table *schema.Table, rows []schema.Row) ([]schema.Row, error) {
	out := make([]schema.Row, 0, len(rows))
	for _, row := range rows {
		cols, args, err := insertValues(table, row)
		if err != nil {
			return nil, err
		}
		placeholders := make([]string, len(cols))
		for i := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		stmt := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		)
		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", table.Name, err)
		}
		out = append(out, rowcodec.Decode(table, rowcodec.Clone(row), rowcodec.DecodeOptions{}))
	}
	return out, nil
}

// insertValues orders the row's columns by the registry's column order so
// statements are deterministic.
func insertValues(table *schema.Table, row schema.Row) ([]string, []any, error) {
	var cols []string
	var args []any
	for _, col := range table.Columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		if _, isJSON := table.IsJSON(col); isJSON {
			encoded, err := rowcodec.EncodeJSONColumn(v)
			if err != nil {
				return nil, nil, err
			}
			v = encoded
		}
		cols = append(cols, col)
		args = append(args, v)
	}
	if len(cols) == 0 {
		return nil, nil, apperrors.Validationf("row has no recognized columns for table %q", table.Name)
	}
	return cols, args, nil
}

// Update locks the matching rows, captures pre-images, applies the changes
// and returns both sides, all inside one transaction.
func (s *Store) Update(ctx context.Context, q query.Query, changes schema.Row) ([]schema.Row, []schema.Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin update %s: %w", q.Table.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	where, whereArgs := q.WhereClause(1)
	selectStmt := fmt.Sprintf("SELECT %s FROM %s%s FOR UPDATE", columnList(q.Table), q.Table.Name, where)
	rows, err := tx.QueryContext(ctx, selectStmt, whereArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("lock %s: %w", q.Table.Name, err)
	}
	raw, err := scanAll(rows)
	rows.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("lock %s: %w", q.Table.Name, err)
	}
	if len(raw) == 0 {
		return nil, nil, apperrors.NotFoundf("no rows in %q match the given filters", q.Table.Name)
	}

	setCols := make([]string, 0, len(changes))
	setArgs := make([]any, 0, len(changes))
	for _, col := range q.Table.Columns {
		v, ok := changes[col]
		if !ok {
			continue
		}
		if _, isJSON := q.Table.IsJSON(col); isJSON {
			encoded, err := rowcodec.EncodeJSONColumn(v)
			if err != nil {
				return nil, nil, err
			}
			v = encoded
		}
		setCols = append(setCols, fmt.Sprintf("%s = $%d", col, len(setArgs)+1))
		setArgs = append(setArgs, v)
	}
	if len(setCols) == 0 {
		return nil, nil, apperrors.Validationf("update payload has no recognized columns for table %q", q.Table.Name)
	}

	updateWhere, updateArgs := q.WhereClause(len(setArgs) + 1)
	updateStmt := fmt.Sprintf("UPDATE %s SET %s%s", q.Table.Name, strings.Join(setCols, ", "), updateWhere)
	if _, err := tx.ExecContext(ctx, updateStmt, append(setArgs, updateArgs...)...); err != nil {
		return nil, nil, fmt.Errorf("update %s: %w", q.Table.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit update %s: %w", q.Table.Name, err)
	}
	committed = true

	before := make([]schema.Row, 0, len(raw))
	after := make([]schema.Row, 0, len(raw))
	for _, row := range raw {
		decoded := rowcodec.Decode(q.Table, row, rowcodec.DecodeOptions{})
		before = append(before, decoded)
		merged := rowcodec.Clone(decoded)
		for col, v := range changes {
			merged[col] = v
		}
		after = append(after, rowcodec.Decode(q.Table, merged, rowcodec.DecodeOptions{}))
	}
	return before, after, nil
}

// Delete locks, captures and removes the matching rows in one transaction.
func (s *Store) Delete(ctx context.Context, q query.Query) ([]schema.Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete %s: %w", q.Table.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	where, whereArgs := q.WhereClause(1)
	selectStmt := fmt.Sprintf("SELECT %s FROM %s%s FOR UPDATE", columnList(q.Table), q.Table.Name, where)
	rows, err := tx.QueryContext(ctx, selectStmt, whereArgs...)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", q.Table.Name, err)
	}
	raw, err := scanAll(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", q.Table.Name, err)
	}
	if len(raw) == 0 {
		return nil, apperrors.NotFoundf("no rows in %q match the given filters", q.Table.Name)
	}

	deleteStmt := fmt.Sprintf("DELETE FROM %s%s", q.Table.Name, where)
	if _, err := tx.ExecContext(ctx, deleteStmt, whereArgs...); err != nil {
		return nil, fmt.Errorf("delete %s: %w", q.Table.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete %s: %w", q.Table.Name, err)
	}
	committed = true

	out := make([]schema.Row, 0, len(raw))
	for _, row := range raw {
		out = append(out, rowcodec.Decode(q.Table, row, rowcodec.DecodeOptions{}))
	}
	return out, nil
}

// Raw returns unsanitized matching rows for internal flows (login).
func (s *Store) Raw(ctx context.Context, q query.Query) ([]schema.Row, error) {
	where, args := q.WhereClause(1)
	stmt := fmt.Sprintf("SELECT %s FROM %s%s%s", columnList(q.Table), q.Table.Name, where, q.PageClause())
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table.Name, err)
	}
	defer rows.Close()
	raw, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table.Name, err)
	}
	out := make([]schema.Row, 0, len(raw))
	for _, row := range raw {
		out = append(out, rowcodec.Decode(q.Table, row, rowcodec.DecodeOptions{KeepPassword: true}))
	}
	return out, nil
}

// scanAll reads every result row into a generic map keyed by column name.
func scanAll(rows *sql.Rows) ([]schema.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []schema.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(schema.Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
