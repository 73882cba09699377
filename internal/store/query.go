package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Values maps column names to bound values.
type Values map[string]any

var identRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var knownTables = []string{"messages", "conversations", "outbox", "sync_state"}

func checkTable(table string) error {
	if !slices.Contains(knownTables, table) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	return nil
}

func checkColumns(cols []string) error {
	for _, c := range cols {
		if !identRegexp.MatchString(c) {
			return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, c)
		}
	}
	return nil
}

func (v Values) columns() []string {
	cols := make([]string, 0, len(v))
	for c := range v {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols
}

// Insert adds a row and returns its rowid.
func Insert(ctx context.Context, q Querier, table string, v Values) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("insert %s: no values", table)
	}
	cols := v.columns()
	if err := checkColumns(cols); err != nil {
		return 0, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = v[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return res.LastInsertId()
}

// Update sets columns on rows matching where and returns the affected count.
// where uses ? placeholders bound from args.
func Update(ctx context.Context, q Querier, table string, v Values, where string, args ...any) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("update %s: no values", table)
	}
	cols := v.columns()
	if err := checkColumns(cols); err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	bound := make([]any, 0, len(cols)+len(args))
	for i, c := range cols {
		sets[i] = c + " = ?"
		bound = append(bound, v[c])
	}
	bound = append(bound, args...)
	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), whereClause(where))
	res, err := q.ExecContext(ctx, query, bound...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Delete removes rows matching where and returns the affected count.
func Delete(ctx context.Context, q Querier, table, where string, args ...any) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, "DELETE FROM "+table+whereClause(where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}

// SelectQuery describes a generic read.
type SelectQuery struct {
	Table   string
	Columns []string // empty selects *
	Where   string
	Args    []any
	OrderBy string // column name, optionally suffixed with " DESC"
	Limit   int
}

// Select runs q and returns the open rows. The caller closes them.
func Select(ctx context.Context, q Querier, sq SelectQuery) (*sql.Rows, error) {
	if err := checkTable(sq.Table); err != nil {
		return nil, err
	}
	if err := checkColumns(sq.Columns); err != nil {
		return nil, err
	}
	cols := "*"
	if len(sq.Columns) > 0 {
		cols = strings.Join(sq.Columns, ", ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s", cols, sq.Table, whereClause(sq.Where))
	if sq.OrderBy != "" {
		col, desc := strings.CutSuffix(sq.OrderBy, " DESC")
		if err := checkColumns([]string{col}); err != nil {
			return nil, err
		}
		query += " ORDER BY " + col
		if desc {
			query += " DESC"
		}
	}
	args := sq.Args
	if sq.Limit > 0 {
		query += " LIMIT ?"
		args = append(slices.Clone(args), sq.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", sq.Table, err)
	}
	return rows, nil
}

// Count returns the number of rows matching where.
func Count(ctx context.Context, q Querier, table, where string, args ...any) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+whereClause(where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func whereClause(where string) string {
	if where == "" {
		return ""
	}
	return " WHERE " + where
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
