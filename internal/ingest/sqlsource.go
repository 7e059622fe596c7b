package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// identRe accepts plain SQL identifiers. Field and table names come from
// operator config rather than end users, but they still never reach the
// query string unchecked.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSource reads event rows from a single table of a SQL database.
type SQLSource struct {
	db    *sqlx.DB
	table string
}

func NewSQLSource(db *sqlx.DB, table string) (*SQLSource, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLSource{db: db, table: table}, nil
}

// Fetch returns up to limit rows starting at offset, ordered by orderKey
// so consecutive pages never overlap or skip.
func (s *SQLSource) Fetch(ctx context.Context, fields []string, offset, limit int, orderKey string) ([][]any, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields requested")
	}
	for _, f := range fields {
		if !identRe.MatchString(f) {
			return nil, fmt.Errorf("invalid field name %q", f)
		}
	}
	if !identRe.MatchString(orderKey) {
		return nil, fmt.Errorf("invalid order key %q", orderKey)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s LIMIT $1 OFFSET $2`,
		strings.Join(fields, ", "), s.table, orderKey)

	rows, err := s.db.QueryxContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows: %w", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}
