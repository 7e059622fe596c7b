package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// =============================================================================
// Client / locks
// =============================================================================

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(Config{URL: "not-a-url"}); err == nil {
		t.Error("expected error for malformed URL")
	}
}

func TestPing(t *testing.T) {
	_, client := testClient(t)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	_, client := testClient(t)
	ctx := context.Background()

	ok, err := client.AcquireLock(ctx, "retry:sweep", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = client.AcquireLock(ctx, "retry:sweep", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ok {
		t.Error("expected second acquire to fail while held")
	}

	// A different name is a different lock.
	ok, err = client.AcquireLock(ctx, "run:my_activation", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("expected unrelated lock to be free")
	}

	if err := client.ReleaseLock(ctx, "retry:sweep"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	ok, err = client.AcquireLock(ctx, "retry:sweep", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("expected acquire to succeed after release")
	}
}

func TestLockExpires(t *testing.T) {
	mr, client := testClient(t)
	ctx := context.Background()

	ok, err := client.AcquireLock(ctx, "retry:sweep", time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLock failed: ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Second)

	ok, err = client.AcquireLock(ctx, "retry:sweep", time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("expected acquire to succeed after TTL expiry")
	}
}

func TestRefreshLockExtendsTTL(t *testing.T) {
	mr, client := testClient(t)
	ctx := context.Background()

	ok, err := client.AcquireLock(ctx, "retry:sweep", time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLock failed: ok=%v err=%v", ok, err)
	}
	if err := client.RefreshLock(ctx, "retry:sweep", time.Hour); err != nil {
		t.Fatalf("RefreshLock failed: %v", err)
	}

	mr.FastForward(2 * time.Second)

	ok, err = client.AcquireLock(ctx, "retry:sweep", time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ok {
		t.Error("expected lock to survive its original TTL after refresh")
	}
}

// =============================================================================
// Run log
// =============================================================================

func TestRunLogRecentNewestFirst(t *testing.T) {
	_, client := testClient(t)
	log := NewRunLog(client)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := log.Append(ctx, &RunEntry{
			Activation: "daily_ga4",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Result:     domain.RunResult{SuccessfulHits: 10 + i, FailedHits: i},
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := log.Recent(ctx, "daily_ga4", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Result.SuccessfulHits != 12 || entries[1].Result.SuccessfulHits != 11 {
		t.Errorf("expected newest first, got %d then %d",
			entries[0].Result.SuccessfulHits, entries[1].Result.SuccessfulHits)
	}
	if entries[0].ID == "" {
		t.Error("expected assigned entry id")
	}

	other, err := log.Recent(ctx, "other_activation", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected empty history for unknown activation, got %d", len(other))
	}
}

func TestRunLogPrunesExpiredEntries(t *testing.T) {
	mr, client := testClient(t)
	log := NewRunLog(client)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	err := log.Append(ctx, &RunEntry{
		Activation: "daily_ga4",
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
		Result:     domain.RunResult{SuccessfulHits: 5},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	mr.FastForward(runRetention + time.Hour)

	entries, err := log.Recent(ctx, "daily_ga4", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected expired entries pruned, got %d", len(entries))
	}
}

func TestRunLogTrimsHistory(t *testing.T) {
	_, client := testClient(t)
	log := NewRunLog(client)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < runKeep+5; i++ {
		err := log.Append(ctx, &RunEntry{
			Activation: "daily_ga4",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Result:     domain.RunResult{SuccessfulHits: i},
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := log.Recent(ctx, "daily_ga4", runKeep+10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != runKeep {
		t.Errorf("expected history trimmed to %d, got %d", runKeep, len(entries))
	}
	// The oldest entries are the ones dropped.
	last := entries[len(entries)-1]
	if last.Result.SuccessfulHits != 5 {
		t.Errorf("expected oldest surviving entry to be run 5, got %d", last.Result.SuccessfulHits)
	}
}
