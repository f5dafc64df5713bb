package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
)

func selectList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ",")
}

func sortedKeys(values map[string]interface{}) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanRows(rows *sql.Rows, columns []string) ([]Row, error) {
	out := []Row{}
	for rows.Next() {
		vals := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(columns))
		for i, c := range columns {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRows counts every row of table.
func (q *Queries) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM `+quoteIdent(table)).Scan(&n)
	return n, err
}

// ListRows returns one page of table ordered by id.
func (q *Queries) ListRows(ctx context.Context, table string, columns []string, limit, offset int) ([]Row, error) {
	return q.ListRowsOrdered(ctx, table, columns, "id", limit, offset)
}

// ListRowsOrdered is ListRows with an explicit ORDER BY clause. orderBy is
// trusted SQL supplied by code, never by a request.
func (q *Queries) ListRowsOrdered(ctx context.Context, table string, columns []string, orderBy string, limit, offset int) ([]Row, error) {
	rows, err := q.query(ctx,
		`SELECT `+selectList(columns)+` FROM `+quoteIdent(table)+` ORDER BY `+orderBy+` LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, columns)
}

// GetRow returns nil, nil when no row has the id.
func (q *Queries) GetRow(ctx context.Context, table string, columns []string, id int64) (Row, error) {
	rows, err := q.query(ctx, `SELECT `+selectList(columns)+` FROM `+quoteIdent(table)+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found, err := scanRows(rows, columns)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// InsertRow inserts values and returns the new id.
func (q *Queries) InsertRow(ctx context.Context, table string, values map[string]interface{}) (int64, error) {
	if len(values) == 0 {
		return 0, errors.New("insert: no values")
	}
	keys := sortedKeys(values)
	args := make([]interface{}, len(keys))
	marks := make([]string, len(keys))
	for i, k := range keys {
		args[i] = values[k]
		marks[i] = "?"
	}
	return q.insertReturningID(ctx,
		`INSERT INTO `+quoteIdent(table)+`(`+selectList(keys)+`) VALUES(`+strings.Join(marks, ",")+`)`, args...)
}

// UpdateRow reports false when no row has the id.
func (q *Queries) UpdateRow(ctx context.Context, table string, id int64, values map[string]interface{}) (bool, error) {
	if len(values) == 0 {
		return false, errors.New("update: no values")
	}
	keys := sortedKeys(values)
	sets := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = quoteIdent(k) + " = ?"
		args = append(args, values[k])
	}
	args = append(args, id)
	res, err := q.exec(ctx, `UPDATE `+quoteIdent(table)+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeleteRow reports false when no row has the id.
func (q *Queries) DeleteRow(ctx context.Context, table string, id int64) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM `+quoteIdent(table)+` WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}
