package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

// runRetention bounds how long and how many finished runs stay visible.
const (
	runRetention = 7 * 24 * time.Hour
	runKeep      = 50
)

// RunEntry records one finished activation run.
type RunEntry struct {
	ID         string           `json:"id"`
	Activation string           `json:"activation"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Result     domain.RunResult `json:"result"`
}

// RunLog keeps a bounded per-activation history of finished runs in Redis.
// Entries live under their own keys with a TTL; a sorted set ordered by
// finish time serves as the index.
type RunLog struct {
	rdb *redis.Client
}

// NewRunLog creates a run log on an existing client.
func NewRunLog(client *Client) *RunLog {
	return &RunLog{rdb: client.rdb}
}

// Key helpers
func (l *RunLog) indexKey(activation string) string {
	return fmt.Sprintf("runs:%s", activation)
}

func (l *RunLog) entryKey(activation, id string) string {
	return fmt.Sprintf("run:%s:%s", activation, id)
}

// Append records a finished run and trims history beyond the retention cap.
func (l *RunLog) Append(ctx context.Context, e *RunEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal run entry: %w", err)
	}

	if err := l.rdb.Set(ctx, l.entryKey(e.Activation, e.ID), data, runRetention).Err(); err != nil {
		return fmt.Errorf("failed to set run entry: %w", err)
	}

	if err := l.rdb.ZAdd(ctx, l.indexKey(e.Activation), redis.Z{
		Score:  float64(e.FinishedAt.UnixMilli()),
		Member: e.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index run entry: %w", err)
	}

	// Drop everything below the newest runKeep entries
	if err := l.rdb.ZRemRangeByRank(ctx, l.indexKey(e.Activation), 0, int64(-runKeep-1)).Err(); err != nil {
		return fmt.Errorf("failed to trim run history: %w", err)
	}

	return nil
}

// Recent returns up to limit finished runs, newest first.
func (l *RunLog) Recent(ctx context.Context, activation string, limit int) ([]*RunEntry, error) {
	ids, err := l.rdb.ZRevRange(ctx, l.indexKey(activation), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	entries := make([]*RunEntry, 0, len(ids))
	for _, id := range ids {
		data, err := l.rdb.Get(ctx, l.entryKey(activation, id)).Bytes()
		if err == redis.Nil {
			// Entry expired but the index still holds its id, remove it
			l.rdb.ZRem(ctx, l.indexKey(activation), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get run entry: %w", err)
		}

		var e RunEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}

	return entries, nil
}
