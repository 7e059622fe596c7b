package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetryRecord is one row of the retries ledger: an event batch awaiting
// resubmission to a destination. Ledger operations only bump RetryNum,
// move NextRun, or set Delete; the payload itself is never rewritten.
type RetryRecord struct {
	ID                int64           `db:"id" json:"id"`
	ConnectionID      string          `db:"connection_id" json:"connection_id"`
	UUID              string          `db:"uuid" json:"uuid"`
	DestinationType   string          `db:"destination_type" json:"destination_type"`
	DestinationFolder string          `db:"destination_folder" json:"destination_folder,omitempty"`
	DestinationConfig json.RawMessage `db:"destination_config" json:"destination_config,omitempty"`
	NextRun           *time.Time      `db:"next_run" json:"next_run,omitempty"`
	RetryNum          int             `db:"retry_num" json:"retry_num"`
	Delete            bool            `db:"delete" json:"delete"`
	Data              json.RawMessage `db:"data" json:"data,omitempty"`
}

// NewRetryRecord builds a first-attempt record with a fresh uuid.
func NewRetryRecord(connectionID, destType string, destConfig, data json.RawMessage, nextRun time.Time) *RetryRecord {
	return &RetryRecord{
		ConnectionID:      connectionID,
		UUID:              uuid.NewString(),
		DestinationType:   destType,
		DestinationConfig: destConfig,
		NextRun:           &nextRun,
		Data:              data,
	}
}

// RetryPayload is the Data shape stored on a record: the rows still owed to
// the destination, in the field order it expects. Resubmission feeds this
// back through the same row mapping as a fresh fetch.
type RetryPayload struct {
	Fields []string `json:"fields"`
	Rows   [][]any  `json:"rows"`
}

// EncodeRetryPayload snapshots events into record data.
func EncodeRetryPayload(fields []string, events []Event) (json.RawMessage, error) {
	p := RetryPayload{Fields: fields, Rows: make([][]any, 0, len(events))}
	for _, e := range events {
		p.Rows = append(p.Rows, e.Values())
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode retry payload: %w", err)
	}
	return raw, nil
}

// DecodeRetryPayload restores record data. Numbers decode as json.Number so
// integer values survive the round trip without float formatting.
func DecodeRetryPayload(data json.RawMessage) (*RetryPayload, error) {
	var p RetryPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode retry payload: %w", err)
	}
	return &p, nil
}
