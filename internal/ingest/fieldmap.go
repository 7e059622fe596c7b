package ingest

import (
	"errors"
	"fmt"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

// ErrShortRow marks a fetched row carrying fewer values than requested fields.
var ErrShortRow = errors.New("row shorter than field list")

// MapRows pairs each row with the field list positionally and drops rows
// whose events carry no values at all. Relative order is preserved. A row
// shorter than the field list aborts the whole mapping: padding it would
// silently shift every later value under the wrong name.
func MapRows(fields []string, rows [][]any) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(rows))
	for i, row := range rows {
		if len(row) < len(fields) {
			return nil, fmt.Errorf("row %d has %d values for %d fields: %w",
				i, len(row), len(fields), ErrShortRow)
		}
		e := domain.NewEvent(fields, row)
		if e.Empty() {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
