package ingest

import "context"

// RowSource pages ordered rows out of a backing store. Values align
// positionally with the requested fields. An exhausted range yields an
// empty result, not an error.
type RowSource interface {
	Fetch(ctx context.Context, fields []string, offset, limit int, orderKey string) ([][]any, error)
}
